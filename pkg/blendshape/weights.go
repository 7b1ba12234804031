package blendshape

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Weights holds one frame's coefficients in canonical [Names] order. It is a
// value type; copying a Weights copies the coefficients.
type Weights [Count]float32

// FromMap builds [Weights] from a name→value mapping. The mapping must name
// every coefficient exactly once (case-insensitively) and nothing else.
// Finite values are kept as given, including ones outside [0, 1]; NaN and
// infinities are rejected with [ErrNonFinite].
func FromMap(m map[string]float32) (Weights, error) {
	var (
		w    Weights
		seen [Count]bool
	)
	for name, v := range m {
		idx, ok := Lookup(name)
		if !ok {
			return Weights{}, fmt.Errorf("%w: %q", ErrUnknownName, name)
		}
		if seen[idx] {
			return Weights{}, fmt.Errorf("blendshape: %q given more than once", Names[idx])
		}
		seen[idx] = true
		if err := checkFinite(idx, v); err != nil {
			return Weights{}, err
		}
		w[idx] = v
	}
	if len(m) != Count {
		for i, ok := range seen {
			if !ok {
				return Weights{}, fmt.Errorf("%w: missing %q", ErrIncomplete, Names[i])
			}
		}
	}
	return w, nil
}

// Get returns the coefficient for name, ignoring letter case.
func (w Weights) Get(name string) (float32, bool) {
	idx, ok := Lookup(name)
	if !ok {
		return 0, false
	}
	return w[idx], true
}

// Map returns the coefficients keyed by ARKit name.
func (w Weights) Map() map[string]float32 {
	m := make(map[string]float32, Count)
	for i, v := range w {
		m[Names[i]] = v
	}
	return m
}

// MarshalJSON encodes w as an object keyed by ARKit name, in canonical order.
func (w Weights) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(Count * 28)
	buf.WriteByte('{')
	for i, v := range w {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(Names[i])
		buf.WriteString(`":`)
		buf.Write(strconv.AppendFloat(nil, float64(v), 'g', -1, 32))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the object form written by [Weights.MarshalJSON].
func (w *Weights) UnmarshalJSON(data []byte) error {
	var m map[string]float32
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := FromMap(m)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

func checkFinite(idx int, v float32) error {
	if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: %s = %v", ErrNonFinite, Names[idx], v)
	}
	return nil
}
