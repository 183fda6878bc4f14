// Package codec converts envelopes to and from their wire text form.
//
// A Codec is created once and handed to the client and server by construction; there is
// no package-level instance.
package codec

import (
	"bytes"
	"errors"
)

// ErrDecode is returned (wrapped) for empty or malformed input. Callers must treat it as
// "no usable value", never as a valid empty value.
var ErrDecode = errors.New("codec: cannot decode")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

var nullLiteral = []byte("null")

// IsNull reports whether raw is absent, blank or the JSON literal null.
func IsNull(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, nullLiteral)
}

// IsArray reports whether raw is shaped as a JSON array.
func IsArray(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}
