package bridge

import "encoding/json"

// ErrorInfo is the client-facing description of a failure.
type ErrorInfo struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// Result is the outcome of one bridge request. It is built once and never
// mutated.
type Result struct {
	Success  bool
	Frames   []TimedFrame
	FPS      int
	Duration float64

	// Partial is set when the stream failed after some frames and the
	// partial-result policy let them through. Error then describes the
	// failure.
	Partial bool

	Error *ErrorInfo
}

// Build returns a successful Result for frames emitted at fps.
func Build(frames []TimedFrame, fps int) Result {
	if frames == nil {
		frames = []TimedFrame{}
	}
	return Result{
		Success:  true,
		Frames:   frames,
		FPS:      fps,
		Duration: duration(frames, fps),
	}
}

// BuildPartial returns a successful Result that carries the frames received
// before cause ended the stream.
func BuildPartial(frames []TimedFrame, fps int, cause ErrorInfo) Result {
	r := Build(frames, fps)
	r.Partial = true
	r.Error = &cause
	return r
}

// BuildError returns a failed Result. It carries no frames.
func BuildError(info ErrorInfo) Result {
	return Result{Error: &info}
}

func duration(frames []TimedFrame, fps int) float64 {
	if len(frames) == 0 || fps <= 0 {
		return 0
	}
	return frames[len(frames)-1].Timestamp + 1/float64(fps)
}

type successBody struct {
	Success  bool         `json:"success"`
	Frames   []TimedFrame `json:"frames"`
	FPS      int          `json:"fps"`
	Duration float64      `json:"duration"`
	Partial  bool         `json:"partial,omitempty"`
	Error    *ErrorInfo   `json:"error,omitempty"`
}

type errorBody struct {
	Success bool       `json:"success"`
	Error   *ErrorInfo `json:"error"`
}

// MarshalJSON writes the success shape, or for failed results only the
// success flag and the error object.
func (r Result) MarshalJSON() ([]byte, error) {
	if !r.Success {
		return json.Marshal(errorBody{Error: r.Error})
	}
	return json.Marshal(successBody{
		Success:  true,
		Frames:   r.Frames,
		FPS:      r.FPS,
		Duration: r.Duration,
		Partial:  r.Partial,
		Error:    r.Error,
	})
}
