// Package pending holds queued units of work awaiting pickup by a
// poller: an id FIFO plus an id-to-record map behind one mutex, with an
// exactly-once result promise per record.
package pending

import (
	"sync/atomic"
	"time"
)

// Invocation is one queued unit of work. It is inserted by the driver,
// delivered at most once to a poller, and resolved exactly once by a
// report, cancellation, expiry, or shutdown.
type Invocation struct {
	RequestID  string
	Payload    []byte
	Deadline   time.Time // zero means no deadline
	EnqueuedAt time.Time

	resolved atomic.Bool
	resultCh chan Outcome
}

// Result is the captured report that resolves an invocation: a fully
// buffered copy of the poller's request, tagged with which route
// produced it.
type Result struct {
	RequestID   string
	Succeeded   bool
	Method      string
	Header      map[string][]string
	Body        []byte
	CompletedAt time.Time
}

// Outcome resolves an invocation: either a captured report or a
// terminal error, never both.
type Outcome struct {
	Result *Result
	Err    error
}

func NewInvocation(requestID string, payload []byte, deadline time.Time) *Invocation {
	return &Invocation{
		RequestID:  requestID,
		Payload:    payload,
		Deadline:   deadline,
		EnqueuedAt: time.Now(),
		resultCh:   make(chan Outcome, 1),
	}
}

// Resolve delivers the outcome. Only the first call wins; later calls
// are no-ops and report false.
func (inv *Invocation) Resolve(out Outcome) bool {
	if !inv.resolved.CompareAndSwap(false, true) {
		return false
	}
	inv.resultCh <- out
	return true
}

// Done returns the channel the outcome is published on. It receives
// exactly one value over the invocation's lifetime.
func (inv *Invocation) Done() <-chan Outcome {
	return inv.resultCh
}

// Expired reports whether the deadline had passed at the given instant.
func (inv *Invocation) Expired(now time.Time) bool {
	return !inv.Deadline.IsZero() && now.After(inv.Deadline)
}
