package nvcf

// Client → service messages. Exactly one field is set per message: a header
// first, then chunks in index order, then the end-of-audio marker.
type audioMessage struct {
	Header     *audioHeader `json:"header,omitempty"`
	Chunk      *audioChunk  `json:"chunk,omitempty"`
	EndOfAudio bool         `json:"end_of_audio,omitempty"`
}

type audioHeader struct {
	Format    string `json:"format"`
	OutputFPS int    `json:"output_fps"`
}

type audioChunk struct {
	Index int    `json:"index"`
	Data  []byte `json:"data"`
}

// Service → client messages. An optional header announces the coefficient
// order of positional frames; frames carry either named or positional
// coefficients; a status reports an in-band failure.
type animationMessage struct {
	Header *animationHeader `json:"header,omitempty"`
	Frame  *animationFrame  `json:"frame,omitempty"`
	Status *streamStatus    `json:"status,omitempty"`
}

type animationHeader struct {
	BlendshapeNames []string `json:"blendshape_names,omitempty"`

	// FPS is the rate the service renders at. Zero means the requested rate.
	FPS int `json:"fps,omitempty"`
}

type animationFrame struct {
	Index       int                `json:"index"`
	Blendshapes map[string]float32 `json:"blendshapes,omitempty"`
	Weights     []float32          `json:"weights,omitempty"`
}

// streamStatus mirrors a gRPC status; Code uses the google.rpc.Code values.
type streamStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}
