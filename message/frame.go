package message

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel protocol errors (spec.md §7).
var (
	// ErrFrameTooLarge is returned when a frame's declared length exceeds
	// the decoder's MaxSize.
	ErrFrameTooLarge = errors.New("message: frame too large")
	// ErrBadFrame is returned when a frame's payload fails to parse as
	// JSON or fails Message validation.
	ErrBadFrame = errors.New("message: bad frame")
)

const lengthPrefixSize = 4

// Encode writes a Message as a length-prefixed frame: a 4-byte
// big-endian unsigned length, followed by that many bytes of UTF-8 JSON.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("message: encode: %w", err)
	}

	frame := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame[:lengthPrefixSize], uint32(len(payload)))
	copy(frame[lengthPrefixSize:], payload)
	return frame, nil
}

// FrameDecoder accumulates bytes from a single connection and yields
// complete Messages as they become available. It is not safe for
// concurrent use by multiple readers of the same connection; callers must
// serialize calls to Push per spec.md §4.1.
type FrameDecoder struct {
	buf     []byte
	maxSize int
}

// NewFrameDecoder creates a decoder with the given max frame size. A
// maxSize of 0 uses DefaultMaxFrameSize.
func NewFrameDecoder(maxSize int) *FrameDecoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameDecoder{maxSize: maxSize}
}

// Push appends chunk to the internal buffer and extracts every complete,
// valid frame it can. On a protocol violation (oversized or malformed
// frame) it resets the internal buffer and returns the accumulated
// messages decoded so far along with the error, so callers can both keep
// what was valid and react to the failure (spec.md §4.1: "reset buffer and
// fail").
func (d *FrameDecoder) Push(chunk []byte) ([]Message, error) {
	d.buf = append(d.buf, chunk...)

	var out []Message
	for {
		if len(d.buf) < lengthPrefixSize {
			break
		}

		length := binary.BigEndian.Uint32(d.buf[:lengthPrefixSize])
		if int(length) > d.maxSize {
			d.Reset()
			return out, ErrFrameTooLarge
		}

		total := lengthPrefixSize + int(length)
		if len(d.buf) < total {
			break
		}

		payload := d.buf[lengthPrefixSize:total]
		d.buf = d.buf[total:]

		if !ValidateRaw(payload) {
			d.Reset()
			return out, ErrBadFrame
		}

		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			d.Reset()
			return out, ErrBadFrame
		}

		out = append(out, m)
	}

	return out, nil
}

// Reset discards any buffered, not-yet-complete bytes.
func (d *FrameDecoder) Reset() {
	d.buf = d.buf[:0]
}
