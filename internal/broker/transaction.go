package broker

import (
	"context"
	"sync/atomic"

	"github.com/j-d-ha/lambdatest/internal/protocol"
)

// Transaction pairs one inbound control-protocol call with its response
// promise. It is created once per Submit, carried through the channel,
// and resolved exactly once with either a response or a failure.
type Transaction struct {
	Req protocol.Request

	resolved atomic.Bool
	respCh   chan txResult
}

type txResult struct {
	resp protocol.Response
	err  error
}

func newTransaction(req protocol.Request) *Transaction {
	return &Transaction{Req: req, respCh: make(chan txResult, 1)}
}

// succeed answers the transaction. Reports false when it was already
// resolved, which is how a delivery attempt learns it lost the race
// and the claimed work must be redelivered.
func (t *Transaction) succeed(resp protocol.Response) bool {
	if !t.resolved.CompareAndSwap(false, true) {
		return false
	}
	t.respCh <- txResult{resp: resp}
	return true
}

// fail resolves the transaction with an error. First caller wins.
func (t *Transaction) fail(err error) bool {
	if !t.resolved.CompareAndSwap(false, true) {
		return false
	}
	t.respCh <- txResult{err: err}
	return true
}

// isResolved reports whether the transaction has already been answered.
func (t *Transaction) isResolved() bool {
	return t.resolved.Load()
}

// wait blocks until the transaction is answered. If the caller's
// context ends first, wait races a cancellation against the handler: if
// the handler already won, its answer is returned anyway.
func (t *Transaction) wait(ctx context.Context) (protocol.Response, error) {
	select {
	case res := <-t.respCh:
		return res.resp, res.err
	case <-ctx.Done():
		if t.fail(ctx.Err()) {
			return protocol.Response{}, ctx.Err()
		}
		res := <-t.respCh
		return res.resp, res.err
	}
}
