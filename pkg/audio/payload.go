// Package audio holds the request-side audio handling of the bridge: decoding
// the base64 body into a [Payload], light container sanity checks, and
// splitting a payload into upload-sized [Chunk] values.
//
// Nothing in this package decodes or resamples audio samples. The remote
// inference service receives the bytes exactly as the client sent them.
package audio

import (
	"errors"
	"strings"
	"time"
)

// DefaultChunkSize is the upload granularity used for streaming audio to the
// inference service. It is a protocol constant, not a user setting.
const DefaultChunkSize = 32 * 1024

// PCM16SampleRate is the sample rate assumed for raw pcm16 payloads. Raw PCM
// carries no header, so the bridge follows the upstream default of 16 kHz mono.
const PCM16SampleRate = 16000

var (
	// ErrInvalidEncoding is returned when the request body is not valid base64
	// or the decoded bytes do not match the declared container.
	ErrInvalidEncoding = errors.New("audio: invalid encoding")

	// ErrUnsupportedFormat is returned when the declared format is not one of
	// the [Format] constants.
	ErrUnsupportedFormat = errors.New("audio: unsupported format")

	// ErrEmpty is returned when the decoded payload has no bytes.
	ErrEmpty = errors.New("audio: empty payload")
)

// Format is the container or encoding the client declares for its audio.
type Format string

const (
	FormatWebM  Format = "webm"
	FormatWAV   Format = "wav"
	FormatPCM16 Format = "pcm16"
	FormatOgg   Format = "ogg"
	FormatMP3   Format = "mp3"
	FormatFLAC  Format = "flac"
)

// Formats lists every supported [Format] in a stable order.
var Formats = []Format{FormatWebM, FormatWAV, FormatPCM16, FormatOgg, FormatMP3, FormatFLAC}

// IsValid reports whether f is a supported format.
func (f Format) IsValid() bool {
	switch f {
	case FormatWebM, FormatWAV, FormatPCM16, FormatOgg, FormatMP3, FormatFLAC:
		return true
	}
	return false
}

// ParseFormat normalises s (trimmed, lower-cased) and returns the matching
// [Format], or [ErrUnsupportedFormat].
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if !f.IsValid() {
		return "", ErrUnsupportedFormat
	}
	return f, nil
}

// Payload is one request's decoded audio. It is immutable after [Decode]
// returns and owned by the request that produced it.
type Payload struct {
	// Data holds the raw audio bytes in the declared container.
	Data []byte

	// Format is the declared container.
	Format Format
}

// Len returns the payload size in bytes.
func (p Payload) Len() int { return len(p.Data) }

// IsEmpty reports whether the payload carries no audio bytes.
func (p Payload) IsEmpty() bool { return len(p.Data) == 0 }

// EstimatedDuration returns the playback length for formats where it can be
// derived without decoding (wav from its header, pcm16 from the byte count).
// The second return value is false for compressed containers.
func (p Payload) EstimatedDuration() (time.Duration, bool) {
	switch p.Format {
	case FormatWAV:
		d, err := wavDuration(p.Data)
		if err != nil {
			return 0, false
		}
		return d, true
	case FormatPCM16:
		samples := len(p.Data) / 2
		return time.Duration(samples) * time.Second / PCM16SampleRate, true
	}
	return 0, false
}
