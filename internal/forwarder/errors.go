package forwarder

import (
	"errors"
	"fmt"
)

var (
	// ErrNilSink is returned by New when no sink is given.
	ErrNilSink = errors.New("forwarder: sink must not be nil")

	// ErrInvalidMaxPending is returned by New for a pending bound below 1.
	ErrInvalidMaxPending = errors.New("forwarder: max pending must be at least 1")

	// ErrSequenceExhausted is returned once math.MaxUint64 has been written.
	ErrSequenceExhausted = errors.New("forwarder: sequence space exhausted")

	// ErrTooManyQueued matches every *OverflowError via errors.Is.
	ErrTooManyQueued = errors.New("too many messages queued")
)

// OverflowError reports that an early payload could not be buffered because
// the pending buffer is full. The session cannot continue.
type OverflowError struct {
	Queued   int    // payloads buffered when the overflow happened
	Max      int    // configured bound
	Expected uint64 // sequence the forwarder is still waiting for
	Sequence uint64 // sequence of the rejected payload
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("%s: %d of %d buffered, waiting for seq %d, rejected seq %d",
		ErrTooManyQueued, e.Queued, e.Max, e.Expected, e.Sequence)
}

func (e *OverflowError) Is(target error) bool {
	return target == ErrTooManyQueued
}
