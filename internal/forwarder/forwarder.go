// Package forwarder writes out-of-order payloads to a sink in sequence order.
//
// A Forwarder belongs to exactly one tunnel session. Payloads that arrive
// ahead of the next expected sequence are held in a bounded buffer and
// drained as soon as the gap in front of them is filled.
package forwarder

import (
	"cmp"
	"io"
	"math"
	"slices"

	"github.com/1ureka/seqtunnel/internal/payload"
	"github.com/1ureka/seqtunnel/internal/util"
)

// DefaultMaxPending is the default bound on buffered out-of-order payloads.
const DefaultMaxPending = 100

// FirstSequence is the sequence a session starts from unless configured
// otherwise.
const FirstSequence = 1

// Option configures a Forwarder at construction time.
type Option func(*Forwarder)

// WithMaxPending sets the bound on simultaneously buffered payloads.
func WithMaxPending(n int) Option {
	return func(f *Forwarder) { f.maxPending = n }
}

// WithInitialSequence sets the first expected sequence. Zero is the same as
// WithBaseline.
func WithInitialSequence(seq uint64) Option {
	return func(f *Forwarder) {
		f.expected = seq
		f.started = seq != 0
	}
}

// WithBaseline takes the first expected sequence from the first payload
// observed, for sessions joined midway. Anything older than that payload is
// then treated as stale.
func WithBaseline() Option {
	return WithInitialSequence(0)
}

// Forwarder reorders payloads for a single sink.
// It holds no lock: Forward must not be called concurrently.
type Forwarder struct {
	sink       io.Writer
	maxPending int

	started   bool
	exhausted bool
	expected  uint64
	written   uint64

	// pending is kept sorted by sequence. Every entry is > expected, except
	// a head entry == expected whose write failed and awaits a retry.
	pending []payload.Payload
}

// New creates a Forwarder writing to sink. The first expected sequence is
// FirstSequence.
func New(sink io.Writer, opts ...Option) (*Forwarder, error) {
	if sink == nil {
		return nil, ErrNilSink
	}

	f := &Forwarder{
		sink:       sink,
		maxPending: DefaultMaxPending,
		started:    true,
		expected:   FirstSequence,
	}
	for _, opt := range opts {
		opt(f)
	}

	if f.maxPending < 1 {
		return nil, ErrInvalidMaxPending
	}

	f.pending = make([]payload.Payload, 0, min(f.maxPending, 16))
	return f, nil
}

// Forward accepts a payload in any arrival order.
//
// The content is written immediately if p is the next expected payload,
// followed by every buffered successor that has become contiguous. Early
// payloads are buffered; stale ones are dropped.
//
// Sink errors are returned unchanged and do not advance the session. If p
// itself failed, the caller may forward it again. If a buffered successor
// failed, it stays buffered and the next Forward or Flush retries it. A short
// write is different: part of the content already reached the sink, so a
// retry would duplicate it and the session must be abandoned.
//
// math.MaxUint64 is the last usable sequence. Once it has been written every
// later call returns ErrSequenceExhausted.
func (f *Forwarder) Forward(p payload.Payload) error {
	if f.exhausted {
		return ErrSequenceExhausted
	}

	seq := p.Sequence()
	if util.DebugEnabled() {
		util.LogDebug("incoming seq %d (%d bytes): %s", seq, p.Len(), p.HexString())
	}

	if !f.started {
		f.started = true
		f.expected = seq
	}

	switch {
	case seq < f.expected:
		util.LogDebug("stale payload seq %d (expected %d), ignoring", seq, f.expected)
		util.Stats.AddStale()
		return nil

	case seq > f.expected:
		if err := f.enqueue(p); err != nil {
			return err
		}
		return f.drain()
	}

	// p supersedes a buffered copy left behind by a failed drain.
	if len(f.pending) > 0 && f.pending[0].Sequence() == seq {
		f.pending = slices.Delete(f.pending, 0, 1)
		util.Stats.AddBuffered(-1)
	}

	if err := f.write(p); err != nil {
		return err
	}
	return f.drain()
}

// Flush retries writing buffered payloads that are already contiguous. It is
// only needed after a drain failed and no further payload is coming.
func (f *Forwarder) Flush() error {
	if f.exhausted {
		return nil
	}
	return f.drain()
}

// drain writes the contiguous head of pending. An entry leaves pending only
// after its write succeeded.
func (f *Forwarder) drain() error {
	for !f.exhausted && len(f.pending) > 0 && f.pending[0].Sequence() == f.expected {
		if err := f.write(f.pending[0]); err != nil {
			return err
		}
		f.pending = slices.Delete(f.pending, 0, 1)
		util.Stats.AddBuffered(-1)
	}
	return nil
}

// write sends one payload to the sink and advances on success.
func (f *Forwarder) write(p payload.Payload) error {
	if _, err := p.WriteTo(f.sink); err != nil {
		util.LogDebug("sink write failed at seq %d: %v", p.Sequence(), err)
		util.Stats.AddWriteFailure()
		return err
	}
	if util.DebugEnabled() {
		util.LogDebug("outgoing seq %d (%d bytes): %s", p.Sequence(), p.Len(), p.HexString())
	}

	f.written++
	util.Stats.AddForwarded(p.Len())

	if f.expected == math.MaxUint64 {
		f.exhausted = true
		return nil
	}
	f.expected++
	return nil
}

// enqueue buffers an early payload. A payload with the same sequence as one
// already buffered replaces it.
func (f *Forwarder) enqueue(p payload.Payload) error {
	i, found := slices.BinarySearchFunc(f.pending, p.Sequence(), func(q payload.Payload, seq uint64) int {
		return cmp.Compare(q.Sequence(), seq)
	})

	if found {
		f.pending[i] = p
		return nil
	}

	if len(f.pending) >= f.maxPending {
		util.Stats.AddOverflow()
		return &OverflowError{
			Queued:   len(f.pending),
			Max:      f.maxPending,
			Expected: f.expected,
			Sequence: p.Sequence(),
		}
	}

	f.pending = slices.Insert(f.pending, i, p)
	util.Stats.AddBuffered(1)
	util.LogDebug("buffered seq %d (expected %d, %d pending)", p.Sequence(), f.expected, len(f.pending))
	return nil
}

// Expected returns the next sequence eligible for writing. The boolean is
// false only with WithBaseline, until the first payload has been observed.
func (f *Forwarder) Expected() (uint64, bool) {
	return f.expected, f.started
}

// Pending returns the number of buffered payloads.
func (f *Forwarder) Pending() int {
	return len(f.pending)
}

// PendingSequences returns the buffered sequence numbers in ascending order.
func (f *Forwarder) PendingSequences() []uint64 {
	seqs := make([]uint64, len(f.pending))
	for i, p := range f.pending {
		seqs[i] = p.Sequence()
	}
	return seqs
}

// Written returns how many payloads have reached the sink.
func (f *Forwarder) Written() uint64 {
	return f.written
}
