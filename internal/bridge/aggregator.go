package bridge

import (
	"errors"
	"fmt"
	"iter"

	"github.com/MrWong99/a2fbridge/pkg/blendshape"
	"github.com/MrWong99/a2fbridge/pkg/provider/a2f"
)

// ErrOutOfOrder is returned when the upstream delivers a frame whose index is
// not exactly one past the previous frame.
var ErrOutOfOrder = errors.New("bridge: frame out of order")

// TimedFrame is one animation frame placed on the playback timeline.
type TimedFrame struct {
	// Timestamp is the frame's playback time in seconds, Index / fps.
	Timestamp float64 `json:"timestamp"`

	// Blendshapes holds the frame's coefficients.
	Blendshapes blendshape.Weights `json:"blendshapes"`
}

// Aggregator accumulates frames of one request in arrival order. It is not
// safe for concurrent use.
type Aggregator struct {
	fps    int
	frames []TimedFrame
	next   int
}

// NewAggregator returns an Aggregator for a stream emitting fps frames per
// second. sizeHint preallocates room for the expected number of frames.
func NewAggregator(fps, sizeHint int) *Aggregator {
	return &Aggregator{fps: fps, frames: make([]TimedFrame, 0, max(sizeHint, 0))}
}

// Add appends f. The first frame must have index 0 and each next frame the
// index after it; anything else returns an error wrapping [ErrOutOfOrder].
func (a *Aggregator) Add(f a2f.Frame) error {
	if f.Index != a.next {
		return fmt.Errorf("%w: got index %d, want %d", ErrOutOfOrder, f.Index, a.next)
	}
	a.frames = append(a.frames, TimedFrame{
		Timestamp:   float64(f.Index) / float64(a.fps),
		Blendshapes: f.Weights,
	})
	a.next++
	return nil
}

// Len returns the number of frames accepted so far.
func (a *Aggregator) Len() int { return len(a.frames) }

// Frames returns the frames accepted so far. The slice is owned by the
// Aggregator until the caller stops adding.
func (a *Aggregator) Frames() []TimedFrame { return a.frames }

// Consume drains seq into a. It stops at the first upstream error or
// ordering violation and returns it; frames accepted before that stay in a.
// onFrame, if non-nil, is called after each accepted frame.
func (a *Aggregator) Consume(seq iter.Seq2[a2f.Frame, error], onFrame func(a2f.Frame)) error {
	for f, err := range seq {
		if err != nil {
			return err
		}
		if err := a.Add(f); err != nil {
			return err
		}
		if onFrame != nil {
			onFrame(f)
		}
	}
	return nil
}

// Aggregate drains frames and returns them on the playback timeline of fps.
// On any error it returns no frames.
func Aggregate(frames iter.Seq2[a2f.Frame, error], fps int) ([]TimedFrame, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("bridge: fps must be positive, got %d", fps)
	}
	a := NewAggregator(fps, 0)
	if err := a.Consume(frames, nil); err != nil {
		return nil, err
	}
	return a.Frames(), nil
}
