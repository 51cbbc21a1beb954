// Package payload defines the immutable unit of data carried through the
// tunnel: one chunk of the byte stream together with its sequence number.
package payload

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNilContent is returned by New when no content slice is supplied.
	// An empty, non-nil slice is a legal zero-length chunk.
	ErrNilContent = errors.New("payload: content must not be nil")

	// ErrInvalidSequence is returned by New for sequence number 0.
	ErrInvalidSequence = errors.New("payload: sequence must be positive")
)

// Payload is a read-only (sequence, content) pair. The zero value is not a
// valid payload; use New.
type Payload struct {
	seq  uint64
	data []byte
}

// New creates a Payload. Ownership of data passes to the Payload: the caller
// must not modify the slice afterwards.
func New(seq uint64, data []byte) (Payload, error) {
	if seq == 0 {
		return Payload{}, ErrInvalidSequence
	}
	if data == nil {
		return Payload{}, ErrNilContent
	}
	return Payload{seq: seq, data: data}, nil
}

// Sequence returns the sender-assigned sequence number.
func (p Payload) Sequence() uint64 { return p.seq }

// Len returns the content length in bytes.
func (p Payload) Len() int { return len(p.data) }

// Bytes returns a copy of the content.
func (p Payload) Bytes() []byte {
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out
}

// AppendTo appends the content to dst and returns the extended slice.
func (p Payload) AppendTo(dst []byte) []byte {
	return append(dst, p.data...)
}

// WriteTo writes the content to w in a single Write call.
// A zero-length payload performs no write at all. On io.ErrShortWrite the
// first n bytes already reached w; writing the payload again duplicates them.
func (p Payload) WriteTo(w io.Writer) (int64, error) {
	if len(p.data) == 0 {
		return 0, nil
	}
	n, err := w.Write(p.data)
	if err == nil && n < len(p.data) {
		err = io.ErrShortWrite
	}
	return int64(n), err
}

// HexString returns the content as a lowercase hex string.
func (p Payload) HexString() string {
	return hex.EncodeToString(p.data)
}

func (p Payload) String() string {
	return fmt.Sprintf("payload(seq=%d, len=%d)", p.seq, len(p.data))
}
