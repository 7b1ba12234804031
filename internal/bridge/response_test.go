package bridge

import (
	"encoding/json"
	"math"
	"net/http"
	"strings"
	"testing"
)

func timed(n, fps int) []TimedFrame {
	frames := make([]TimedFrame, n)
	for i := range frames {
		frames[i].Timestamp = float64(i) / float64(fps)
	}
	return frames
}

func TestBuild_Duration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		n    int
		fps  int
		want float64
	}{
		{"two seconds at 60", 120, 60, 2.0},
		{"single frame", 1, 30, 1.0 / 30},
		{"no frames", 0, 60, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := Build(timed(tt.n, tt.fps), tt.fps)
			if !r.Success {
				t.Error("Success = false")
			}
			if math.Abs(r.Duration-tt.want) > 1e-9 {
				t.Errorf("Duration = %v, want %v", r.Duration, tt.want)
			}
			if r.FPS != tt.fps {
				t.Errorf("FPS = %d, want %d", r.FPS, tt.fps)
			}
		})
	}
}

func TestResult_MarshalSuccess(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Build(timed(2, 60), 60))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"success", "frames", "fps", "duration"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	for _, key := range []string{"error", "partial"} {
		if _, ok := body[key]; ok {
			t.Errorf("unexpected key %q in %s", key, data)
		}
	}
	if !strings.Contains(string(data), `"blendshapes":{"eyeBlinkLeft":0,`) {
		t.Errorf("blendshapes not in canonical order: %s", data)
	}
}

func TestResult_MarshalEmptySuccessHasFramesArray(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Build(nil, 60))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"frames":[]`) {
		t.Errorf("want empty frames array, got %s", data)
	}
}

func TestResult_MarshalError(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(BuildError(ErrorInfo{Kind: KindUpstreamStream, Message: "boom"}))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"success":false,"error":{"kind":"UpstreamStreamError","message":"boom"}}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestResult_MarshalPartial(t *testing.T) {
	t.Parallel()

	r := BuildPartial(timed(50, 60), 60, ErrorInfo{Kind: KindUpstreamStream, Message: "reset"})
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var body struct {
		Success bool         `json:"success"`
		Partial bool         `json:"partial"`
		Frames  []TimedFrame `json:"frames"`
		Error   *ErrorInfo   `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !body.Success || !body.Partial {
		t.Errorf("success=%v partial=%v, want both true", body.Success, body.Partial)
	}
	if len(body.Frames) != 50 {
		t.Errorf("frames = %d, want 50", len(body.Frames))
	}
	if body.Error == nil || body.Error.Kind != KindUpstreamStream {
		t.Errorf("error = %+v, want UpstreamStreamError", body.Error)
	}
}

func TestKind_HTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidEncoding, http.StatusBadRequest},
		{KindUnsupportedFormat, http.StatusUnsupportedMediaType},
		{KindEmptyAudio, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindUpstreamUnavailable, http.StatusServiceUnavailable},
		{KindUpstreamAuth, http.StatusBadGateway},
		{KindUpstreamStream, http.StatusBadGateway},
		{KindOutOfOrderFrame, http.StatusBadGateway},
		{KindRequestTimeout, http.StatusGatewayTimeout},
		{KindCancelled, StatusClientClosedRequest},
		{KindInvalidRequest, http.StatusBadRequest},
		{KindPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{KindRateLimited, http.StatusTooManyRequests},
		{Kind("Other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.kind.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
