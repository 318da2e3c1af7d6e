package pending

import (
	"fmt"
	"sync"
	"time"
)

// Store is the shared queue of pending invocations: a FIFO of ids plus
// an id-to-record map. The FIFO may reference ids whose records are
// already gone (lazy cleanup); Claim skips those transparently.
//
// A delivered invocation keeps its map entry until the poller reports,
// but its id leaves the FIFO, so it cannot be handed out twice.
type Store struct {
	mu   sync.Mutex
	ids  []string
	byID map[string]*Invocation
}

func NewStore() *Store {
	return &Store{byID: make(map[string]*Invocation)}
}

// Insert registers a new invocation. An id that is still pending is
// rejected with ErrDuplicateRequestID.
func (s *Store) Insert(inv *Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[inv.RequestID]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateRequestID, inv.RequestID)
	}
	s.byID[inv.RequestID] = inv
	s.ids = append(s.ids, inv.RequestID)
	return nil
}

// Claim pops ids off the FIFO front until it finds one that is live and
// unexpired, and returns that record as the claimed candidate. Stale ids
// are dropped; expired records are removed from the map and returned so
// the caller can resolve them. A nil candidate means the queue held no
// servable work.
func (s *Store) Claim(now time.Time) (claimed *Invocation, expired []*Invocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.ids) > 0 {
		id := s.ids[0]
		s.ids = s.ids[1:]
		inv, ok := s.byID[id]
		if !ok {
			continue // already consumed, lazy cleanup
		}
		if inv.Expired(now) {
			delete(s.byID, id)
			expired = append(expired, inv)
			continue
		}
		return inv, expired
	}
	return nil, expired
}

// Requeue returns a claimed id to the FIFO tail. It is a no-op if the
// record has been removed in the meantime.
func (s *Store) Requeue(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[requestID]; ok {
		s.ids = append(s.ids, requestID)
	}
}

// Remove takes the record out of the map if it is present. The id may
// linger in the FIFO; Claim tolerates that. ok is false for unknown or
// already-removed ids.
func (s *Store) Remove(requestID string) (inv *Invocation, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok = s.byID[requestID]
	if ok {
		delete(s.byID, requestID)
	}
	return inv, ok
}

// Drain empties the store and returns every record that was still
// pending, in no particular order.
func (s *Store) Drain() []*Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Invocation, 0, len(s.byID))
	for _, inv := range s.byID {
		out = append(out, inv)
	}
	s.byID = make(map[string]*Invocation)
	s.ids = nil
	return out
}

// Len reports the number of records still pending (queued or delivered
// and awaiting a report).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}
