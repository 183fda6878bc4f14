// Package protocol implements the length-prefixed frame protocol shared by client and server.
//
// It solves TCP's sticky packet problem by prefixing every message with its length in a
// fixed-width big-endian field. The receiver reads the prefix first, then exactly that
// many payload bytes, so a partial message is never handed to the layer above.
//
// Frame format (default 2-byte prefix):
//
//	0        2
//	┌────────┬──────────────────────────┐
//	│ length │    UTF-8 payload ...     │
//	│ uint16 │    length bytes          │
//	└────────┴──────────────────────────┘
//
// Both ends of a connection must use the same Framer settings.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	DefaultLengthFieldLength = 2
	DefaultMaxFrameLength    = 65536
)

var (
	// ErrFrameTooLarge is fatal to the connection it occurred on.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	ErrInvalidFramer = errors.New("protocol: invalid framer configuration")
)

// FrameError describes a framing failure. The connection must be closed afterwards.
type FrameError struct {
	Length int // declared or attempted frame length, prefix included
	Max    int
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%v: %d bytes exceeds limit %d", e.Err, e.Length, e.Max)
}

func (e *FrameError) Unwrap() error { return e.Err }

// Framer holds the connection-level framing settings.
//
// MaxFrameLength bounds the whole frame, length prefix included.
type Framer struct {
	LengthFieldLength int
	MaxFrameLength    int
}

func DefaultFramer() Framer {
	return Framer{
		LengthFieldLength: DefaultLengthFieldLength,
		MaxFrameLength:    DefaultMaxFrameLength,
	}
}

func (f Framer) Validate() error {
	switch f.LengthFieldLength {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("%w: unsupported length field width %d", ErrInvalidFramer, f.LengthFieldLength)
	}
	if f.MaxFrameLength <= f.LengthFieldLength {
		return fmt.Errorf("%w: max frame length %d", ErrInvalidFramer, f.MaxFrameLength)
	}
	return nil
}

// maxPayload is the largest payload that both fits the prefix width and respects MaxFrameLength.
func (f Framer) maxPayload() uint64 {
	limit := uint64(f.MaxFrameLength - f.LengthFieldLength)
	if f.LengthFieldLength < 8 {
		if width := uint64(1)<<(8*f.LengthFieldLength) - 1; width < limit {
			limit = width
		}
	}
	return limit
}

// Fits reports whether a payload of n bytes can be framed.
func (f Framer) Fits(n int) bool {
	return n >= 0 && uint64(n) <= f.maxPayload()
}

// WriteFrame writes prefix and payload with a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func (f Framer) WriteFrame(w io.Writer, payload []byte) error {
	if !f.Fits(len(payload)) {
		return &FrameError{Length: len(payload) + f.LengthFieldLength, Max: f.MaxFrameLength, Err: ErrFrameTooLarge}
	}

	buf := make([]byte, f.LengthFieldLength+len(payload))
	f.putLength(buf[:f.LengthFieldLength], uint64(len(payload)))
	copy(buf[f.LengthFieldLength:], payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one complete frame from r and returns its payload.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func (f Framer) ReadFrame(r io.Reader) ([]byte, error) {
	prefix := make([]byte, f.LengthFieldLength)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}

	n := f.length(prefix)
	if n > f.maxPayload() {
		length := math.MaxInt
		if n < uint64(math.MaxInt-f.LengthFieldLength) {
			length = int(n) + f.LengthFieldLength
		}
		return nil, &FrameError{Length: length, Max: f.MaxFrameLength, Err: ErrFrameTooLarge}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (f Framer) putLength(b []byte, n uint64) {
	switch f.LengthFieldLength {
	case 1:
		b[0] = byte(n)
	case 2:
		binary.BigEndian.PutUint16(b, uint16(n))
	case 4:
		binary.BigEndian.PutUint32(b, uint32(n))
	case 8:
		binary.BigEndian.PutUint64(b, n)
	}
}

func (f Framer) length(b []byte) uint64 {
	switch f.LengthFieldLength {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	default:
		return binary.BigEndian.Uint64(b)
	}
}
