// Package blendshape defines the fixed 52-coefficient ARKit blendshape schema
// that every animation frame carries.
//
// A frame's coefficients are stored positionally in [Weights]; the position of
// each coefficient is its index in [Names]. Upstream frames may name their
// coefficients in any letter case (ARKit uses camelCase, Audio2Face uses
// PascalCase); lookups are case-insensitive and output always uses the ARKit
// spelling.
package blendshape

import (
	"errors"
	"fmt"
	"strings"
)

// Count is the number of coefficients in a frame.
const Count = 52

// Names lists the ARKit blendshape names in canonical order. This is also the
// order Audio2Face emits positional weight arrays in.
var Names = [Count]string{
	"eyeBlinkLeft", "eyeLookDownLeft", "eyeLookInLeft", "eyeLookOutLeft",
	"eyeLookUpLeft", "eyeSquintLeft", "eyeWideLeft",
	"eyeBlinkRight", "eyeLookDownRight", "eyeLookInRight", "eyeLookOutRight",
	"eyeLookUpRight", "eyeSquintRight", "eyeWideRight",
	"jawForward", "jawLeft", "jawRight", "jawOpen",
	"mouthClose", "mouthFunnel", "mouthPucker", "mouthLeft", "mouthRight",
	"mouthSmileLeft", "mouthSmileRight", "mouthFrownLeft", "mouthFrownRight",
	"mouthDimpleLeft", "mouthDimpleRight", "mouthStretchLeft", "mouthStretchRight",
	"mouthRollLower", "mouthRollUpper", "mouthShrugLower", "mouthShrugUpper",
	"mouthPressLeft", "mouthPressRight", "mouthLowerDownLeft", "mouthLowerDownRight",
	"mouthUpperUpLeft", "mouthUpperUpRight",
	"browDownLeft", "browDownRight", "browInnerUp", "browOuterUpLeft", "browOuterUpRight",
	"cheekPuff", "cheekSquintLeft", "cheekSquintRight",
	"noseSneerLeft", "noseSneerRight",
	"tongueOut",
}

// index maps lower-cased names to their position in [Names].
var index = func() map[string]int {
	m := make(map[string]int, Count)
	for i, n := range Names {
		m[strings.ToLower(n)] = i
	}
	return m
}()

var (
	// ErrUnknownName is returned when a frame names a coefficient outside the
	// ARKit set.
	ErrUnknownName = errors.New("blendshape: unknown name")

	// ErrIncomplete is returned when a frame does not carry all [Count]
	// coefficients.
	ErrIncomplete = errors.New("blendshape: incomplete frame")

	// ErrNonFinite is returned when a coefficient is NaN or infinite.
	ErrNonFinite = errors.New("blendshape: non-finite coefficient")
)

// Lookup returns the canonical index for name, ignoring letter case.
func Lookup(name string) (int, bool) {
	i, ok := index[strings.ToLower(name)]
	return i, ok
}

// Layout maps the positions of an upstream weight array onto canonical
// indices. The zero value is the canonical layout.
type Layout struct {
	positions []int
}

// NewLayout builds a [Layout] from the coefficient names an upstream stream
// header announces. Every ARKit name must appear exactly once.
func NewLayout(names []string) (Layout, error) {
	if len(names) != Count {
		return Layout{}, fmt.Errorf("%w: header names %d coefficients, want %d", ErrIncomplete, len(names), Count)
	}
	var seen [Count]bool
	positions := make([]int, len(names))
	for i, n := range names {
		idx, ok := Lookup(n)
		if !ok {
			return Layout{}, fmt.Errorf("%w: %q", ErrUnknownName, n)
		}
		if seen[idx] {
			return Layout{}, fmt.Errorf("blendshape: duplicate name %q in header", n)
		}
		seen[idx] = true
		positions[i] = idx
	}
	return Layout{positions: positions}, nil
}

// Weights converts a positional weight array into [Weights].
func (l Layout) Weights(values []float32) (Weights, error) {
	var w Weights
	if len(values) != Count {
		return w, fmt.Errorf("%w: got %d values, want %d", ErrIncomplete, len(values), Count)
	}
	for i, v := range values {
		idx := i
		if l.positions != nil {
			idx = l.positions[i]
		}
		if err := checkFinite(idx, v); err != nil {
			return Weights{}, err
		}
		w[idx] = v
	}
	return w, nil
}
