package audio

import (
	"bytes"
	"errors"
	"time"

	"github.com/go-audio/wav"
)

// isWAV reports whether data starts with a RIFF/WAVE header the wav decoder
// accepts.
func isWAV(data []byte) bool {
	return wav.NewDecoder(bytes.NewReader(data)).IsValidFile()
}

// wavDuration reads the playback length from a WAV header.
func wavDuration(data []byte) (time.Duration, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return 0, errors.New("audio: not a wav file")
	}
	return d.Duration()
}
