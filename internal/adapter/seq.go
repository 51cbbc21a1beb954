package adapter

import "sync/atomic"

// SeqGen is a per-socketID sequence number generator. The socket goroutine
// and its TCP reader both draw from it, so it is atomic.
type SeqGen struct {
	val atomic.Uint64
}

// NewSeqGen creates a generator whose first Next() returns 1.
func NewSeqGen() *SeqGen {
	return &SeqGen{}
}

// Next returns the next sequence number.
func (s *SeqGen) Next() uint64 {
	return s.val.Add(1)
}
