// Package signal provides the counting wake-up primitive that lets an
// idle work dispatch sleep until new work is enqueued. It plays the
// role a push notifier plays in a polling worker pool: the producer
// releases the signal once per enqueue, and a terminal Close wakes
// every waiter so none is stranded across shutdown.
package signal

import (
	"context"
	"sync"
)

// Signal is an asynchronous counting semaphore. Release increments the
// count or hands the permit directly to the oldest waiter; Wait
// consumes one permit, blocking until one is available, the signal is
// closed, or the context ends.
type Signal struct {
	mu      sync.Mutex
	count   int
	waiters []chan struct{}
	closed  bool
}

func New() *Signal {
	return &Signal{}
}

// Release makes one permit available. If a waiter is blocked, the
// permit is handed to the oldest one directly.
func (s *Signal) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.waiters) > 0 {
		ch := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(ch)
		return
	}
	s.count++
}

// Wait consumes one permit. It returns nil when a permit was consumed
// or the signal has been closed, and ctx.Err() when the context ended
// first. A permit handed over concurrently with a context cancellation
// is returned to the pool rather than lost.
func (s *Signal) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		removed := false
		for i, w := range s.waiters {
			if w == ch {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				removed = true
				break
			}
		}
		s.mu.Unlock()
		if !removed {
			// A Release already picked this waiter; pass the permit on.
			<-ch
			s.Release()
		}
		return ctx.Err()
	}
}

// Close terminally releases the signal: every current and future Wait
// returns immediately. Idempotent.
func (s *Signal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.waiters {
		close(ch)
	}
	s.waiters = nil
}
