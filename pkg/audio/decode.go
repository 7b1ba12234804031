package audio

import (
	"encoding/base64"
	"fmt"
)

// encoding is strict so that re-encoding a decoded payload reproduces the
// client's string exactly.
var encoding = base64.StdEncoding.Strict()

// Decode turns the base64 body of a request into a [Payload] after checking
// the declared format.
//
// The format is validated first so that an unsupported format is reported
// even when the body is also malformed. Decode does not reject empty input;
// callers decide how to treat an empty payload (see [Payload.IsEmpty]).
func Decode(b64 string, declared string) (Payload, error) {
	format, err := ParseFormat(declared)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %q", err, declared)
	}

	data, err := encoding.DecodeString(b64)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	p := Payload{Data: data, Format: format}
	if err := validateContainer(p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Encode is the inverse of [Decode] for the payload bytes.
func Encode(p Payload) string {
	return encoding.EncodeToString(p.Data)
}

// validateContainer applies the cheap structural checks that are possible
// without decoding samples. Empty payloads pass; they are rejected later with
// a dedicated error kind.
func validateContainer(p Payload) error {
	if p.IsEmpty() {
		return nil
	}
	switch p.Format {
	case FormatPCM16:
		if len(p.Data)%2 != 0 {
			return fmt.Errorf("%w: pcm16 payload has odd byte count %d", ErrInvalidEncoding, len(p.Data))
		}
	case FormatWAV:
		if !isWAV(p.Data) {
			return fmt.Errorf("%w: payload is not a RIFF/WAVE file", ErrInvalidEncoding)
		}
	}
	return nil
}
