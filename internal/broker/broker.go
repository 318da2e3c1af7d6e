// Package broker implements the invocation broker at the heart of the
// emulator: a bounded transaction channel drained by a single
// processing loop, a pending-invocation store, and a lifecycle that
// moves initializing -> running -> stopping -> stopped.
//
// Pollers talk to the broker through Submit, which carries one
// simulated HTTP call and blocks until it is answered. Drivers queue
// work with QueueInvocation and learn about startup through AwaitInit.
package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/j-d-ha/lambdatest/internal/logging"
	"github.com/j-d-ha/lambdatest/internal/metrics"
	"github.com/j-d-ha/lambdatest/internal/pending"
	"github.com/j-d-ha/lambdatest/internal/protocol"
	"github.com/j-d-ha/lambdatest/internal/signal"
)

// DefaultChannelCapacity bounds the transaction channel unless
// overridden. Producers block (never drop) when the channel is full.
const DefaultChannelCapacity = 1024

// InitResult reports how initialization ended: success after the
// poller's first successful poll, or the structured error it posted to
// the init-error route.
type InitResult struct {
	OK  bool
	Err *protocol.ErrorInfo
}

// Processor routes simulated control-protocol calls between poller and
// driver. Create with New, start with Start, release with Close.
type Processor struct {
	store *pending.Store
	wake  *signal.Signal
	m     *metrics.Metrics

	txCh     chan *Transaction
	done     chan struct{} // closed by Close; unblocks producers
	loopDone chan struct{} // closed when the loop drains out

	state atomic.Int32

	// closed/sending coordinate producer handoff so Close can close the
	// channel without racing a Submit mid-send.
	mu      sync.RWMutex
	closed  bool
	sending sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once

	initResolved atomic.Bool
	initRes      InitResult
	initDone     chan struct{}
}

// Option configures a Processor.
type Option func(*Processor)

// WithChannelCapacity overrides the transaction channel bound.
func WithChannelCapacity(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.txCh = make(chan *Transaction, n)
		}
	}
}

// WithMetrics wires a metrics collector. Without it the broker records
// nothing.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) {
		p.m = m
	}
}

func New(opts ...Option) *Processor {
	p := &Processor{
		store:    pending.NewStore(),
		wake:     signal.New(),
		txCh:     make(chan *Transaction, DefaultChannelCapacity),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		initDone: make(chan struct{}),
	}
	p.state.Store(int32(StateCreated))
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the processing loop and moves the lifecycle to
// Initializing. Idempotent.
func (p *Processor) Start() {
	p.startOnce.Do(func() {
		p.advance(StateInitializing)
		go p.run()
		logging.Op().Debug("processor started")
	})
}

// State returns a snapshot of the lifecycle state.
func (p *Processor) State() State {
	return State(p.state.Load())
}

// advance moves the state forward to target; it never moves backward.
// Reports whether this call performed the transition.
func (p *Processor) advance(target State) bool {
	for {
		cur := State(p.state.Load())
		if cur >= target {
			return false
		}
		if p.state.CompareAndSwap(int32(cur), int32(target)) {
			return true
		}
	}
}

// Submit carries one control-protocol call through the processor and
// blocks until it is answered. This is the poller-facing HTTP surface;
// the bundled runtime client and the HTTP bridge both funnel into it.
func (p *Processor) Submit(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	tx := newTransaction(req)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return protocol.Response{}, ErrDisposed
	}
	p.sending.Add(1)
	p.mu.RUnlock()

	select {
	case p.txCh <- tx:
		p.sending.Done()
	case <-p.done:
		p.sending.Done()
		return protocol.Response{}, ErrDisposed
	case <-ctx.Done():
		p.sending.Done()
		return protocol.Response{}, ctx.Err()
	}
	return tx.wait(ctx)
}

// QueueInvocation registers a unit of work and blocks until the poller
// reports a result for it, the deadline expires, ctx is cancelled, or
// the processor shuts down. It fails synchronously when the processor
// is not running or the id is already pending.
//
// A zero deadline means the invocation never expires.
func (p *Processor) QueueInvocation(ctx context.Context, requestID string, payload []byte, deadline time.Time) (*pending.Result, error) {
	if s := p.State(); s != StateRunning {
		return nil, p.unavailableErr(s)
	}

	inv := pending.NewInvocation(requestID, payload, deadline)
	if err := p.store.Insert(inv); err != nil {
		return nil, err
	}

	// Close drains the store exactly once; a record that lands after
	// that drain would never resolve. Re-check and back the insert out.
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		if removed, ok := p.store.Remove(requestID); ok {
			removed.Resolve(pending.Outcome{Err: ErrDisposed})
		}
		return nil, ErrDisposed
	}

	p.m.SetPending(p.store.Len())
	p.wake.Release()
	logging.Op().Debug("invocation queued", "request_id", requestID, "deadline", deadline)

	select {
	case out := <-inv.Done():
		return out.Result, out.Err
	case <-ctx.Done():
		if removed, ok := p.store.Remove(requestID); ok {
			removed.Resolve(pending.Outcome{Err: ErrCancelled})
			p.m.SetPending(p.store.Len())
			p.m.RecordInvocation("cancelled")
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}
		// Already claimed or resolved by someone else; the outcome they
		// owe us is (or is about to be) buffered.
		out := <-inv.Done()
		return out.Result, out.Err
	}
}

// AwaitInit blocks until initialization resolves one way or the other.
func (p *Processor) AwaitInit(ctx context.Context) (InitResult, error) {
	select {
	case <-p.initDone:
		return p.initRes, nil
	case <-ctx.Done():
		return InitResult{}, ctx.Err()
	}
}

// resolveInit publishes the init result; only the first call wins.
func (p *Processor) resolveInit(res InitResult) bool {
	if !p.initResolved.CompareAndSwap(false, true) {
		return false
	}
	p.initRes = res
	close(p.initDone)
	return true
}

// Close shuts the processor down: it stops accepting transactions,
// wakes every blocked poll, fails everything still buffered or pending
// with a disposed outcome, and waits for the loop to drain out.
// Idempotent; safe to call concurrently with anything.
func (p *Processor) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.advance(StateStopping)
		close(p.done)
		p.wake.Close()

		// No producer may be mid-send when the channel closes.
		p.sending.Wait()
		close(p.txCh)

		p.startOnce.Do(func() {
			// Never started; nothing is draining the channel.
			go p.run()
		})
		<-p.loopDone

		for _, inv := range p.store.Drain() {
			inv.Resolve(pending.Outcome{Err: ErrDisposed})
			p.m.RecordInvocation("disposed")
		}
		p.m.SetPending(0)

		p.resolveInit(InitResult{OK: false, Err: &protocol.ErrorInfo{
			ErrorType:    "Processor.Disposed",
			ErrorMessage: "processor disposed before initialization completed",
		}})

		p.advance(StateStopped)
		logging.Op().Debug("processor stopped")
	})
}
