package broker

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/j-d-ha/lambdatest/internal/logging"
	"github.com/j-d-ha/lambdatest/internal/observability"
	"github.com/j-d-ha/lambdatest/internal/pending"
	"github.com/j-d-ha/lambdatest/internal/protocol"
)

// run is the single processing loop: it drains the transaction channel
// in arrival order and dispatches each transaction. It exits once the
// channel is closed and drained.
func (p *Processor) run() {
	defer close(p.loopDone)
	for tx := range p.txCh {
		p.dispatch(tx)
	}
}

// dispatch classifies and handles one transaction. A panic in a handler
// fails only that transaction; the loop keeps going.
func (p *Processor) dispatch(tx *Transaction) {
	defer func() {
		if r := recover(); r != nil {
			logging.Op().Error("dispatch panic", "error", r)
			tx.fail(fmt.Errorf("%w: %v", ErrHandlerFault, r))
		}
	}()

	// Everything still buffered after shutdown begins fails out.
	select {
	case <-p.done:
		tx.fail(ErrDisposed)
		return
	default:
	}

	route, ok := protocol.Classify(tx.Req)
	if !ok {
		tx.fail(fmt.Errorf("%w: %s %s", ErrProtocol, tx.Req.Method, tx.Req.Path))
		p.m.RecordTransaction("unknown", "protocol_violation")
		return
	}

	_, span := observability.StartSpan(context.Background(), "broker.dispatch",
		observability.AttrRoute.String(route.Kind.String()),
		observability.AttrRequestID.String(route.RequestID),
	)

	if route.Kind == protocol.RouteNextInvocation {
		// The span follows the poll off-loop when it parks; it ends
		// when the poll actually resolves, not when dispatch returns.
		p.handleNext(tx, span)
		return
	}
	defer span.End()

	switch route.Kind {
	case protocol.RouteInvocationResponse:
		p.handleReport(tx, route.RequestID, true)
	case protocol.RouteInvocationError:
		p.handleReport(tx, route.RequestID, false)
	case protocol.RouteInitError:
		p.handleInitError(tx)
	}
}

// handleNext serves a "give me work" poll. The first such dispatch
// while initializing is the init handshake: there is no separate
// ready-signal in the protocol, a poller that polls is a poller that
// came up.
func (p *Processor) handleNext(tx *Transaction, span trace.Span) {
	if p.state.CompareAndSwap(int32(StateInitializing), int32(StateRunning)) {
		p.resolveInit(InitResult{OK: true})
		logging.Op().Info("poller initialized")
	}

	if p.tryServe(tx) {
		span.End()
		return
	}
	// No servable work right now. The wait must not stall the loop:
	// a buffered init-error or report still has to be processed while
	// this poll sleeps.
	go p.awaitWork(tx, span)
}

// tryServe scans the store for a servable invocation and answers the
// transaction with it. It reports whether the transaction needs no
// further handling: answered, failed, or found already dead. A false
// return means the queue held nothing and the poll should suspend.
func (p *Processor) tryServe(tx *Transaction) bool {
	for {
		if s := p.State(); s != StateRunning && s != StateInitializing {
			tx.fail(p.unavailableErr(s))
			return true
		}
		if tx.isResolved() {
			// Poll cancelled caller-side; nothing left to answer.
			return true
		}

		inv, expired := p.store.Claim(time.Now())
		for _, e := range expired {
			e.Resolve(pending.Outcome{Err: ErrExpired})
			p.m.RecordInvocation("expired")
			logging.Op().Debug("invocation expired before delivery", "request_id", e.RequestID)
		}
		if len(expired) > 0 {
			p.m.SetPending(p.store.Len())
		}
		if inv == nil {
			return false
		}

		if p.deliver(tx, inv) {
			return true
		}
		// The poll was resolved out from under us mid-delivery. Put the
		// claimed work back so it is not lost; the dead transaction
		// itself needs nothing more.
		p.redeliver(inv)
		return true
	}
}

// redeliver returns a claimed-but-undelivered invocation to the tail of
// the queue. A requeue is an enqueue: the permit the losing poll burned
// is handed back so a parked poll can pick the work up.
func (p *Processor) redeliver(inv *pending.Invocation) {
	p.store.Requeue(inv.RequestID)
	p.wake.Release()
}

// awaitWork parks a poll until the signal fires, then retries. This is
// the component's only suspension point under idle conditions. It owns
// the poll's span and ends it once the poll resolves.
func (p *Processor) awaitWork(tx *Transaction, span trace.Span) {
	defer span.End()
	for {
		if p.tryServe(tx) {
			return
		}
		// Wait returns immediately once the signal is closed by
		// shutdown; the state check on retry fails the poll then.
		if err := p.wake.Wait(context.Background()); err != nil {
			tx.fail(err)
			return
		}
		if tx.isResolved() {
			// The poll died while parked; this permit belongs to a
			// live poller.
			p.wake.Release()
			return
		}
	}
}

// deliver answers a poll with the claimed invocation's payload. A false
// return means the transaction could no longer be answered and the
// invocation must be redelivered.
func (p *Processor) deliver(tx *Transaction, inv *pending.Invocation) bool {
	resp := protocol.Response{Status: http.StatusOK, Body: inv.Payload}
	resp.SetHeader("Content-Type", "application/json")
	resp.SetHeader(protocol.HeaderRequestID, inv.RequestID)
	if !inv.Deadline.IsZero() {
		resp.SetHeader(protocol.HeaderDeadlineMs, strconv.FormatInt(inv.Deadline.UnixMilli(), 10))
	}
	if !tx.succeed(resp) {
		return false
	}
	p.m.RecordTransaction("next_invocation", "delivered")
	p.m.ObserveDeliveryWait(time.Since(inv.EnqueuedAt))
	logging.Op().Debug("invocation delivered", "request_id", inv.RequestID)
	return true
}

// unavailableErr distinguishes a shutdown-in-progress poll failure from
// a plain wrong-state one.
func (p *Processor) unavailableErr(s State) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrDisposed
	}
	return fmt.Errorf("%w: state %s", ErrNotRunning, s)
}

// handleReport resolves a pending invocation with the poller's success
// or failure report and acknowledges the report itself.
func (p *Processor) handleReport(tx *Transaction, requestID string, succeeded bool) {
	inv, ok := p.store.Remove(requestID)
	if !ok {
		tx.fail(fmt.Errorf("%w: %q", ErrUnknownRequestID, requestID))
		p.m.RecordTransaction(reportRoute(succeeded), "unknown_id")
		return
	}

	res := &pending.Result{
		RequestID:   requestID,
		Succeeded:   succeeded,
		Method:      tx.Req.Method,
		Header:      protocol.CloneHeader(tx.Req.Header),
		Body:        append([]byte(nil), tx.Req.Body...),
		CompletedAt: time.Now(),
	}
	inv.Resolve(pending.Outcome{Result: res})
	p.m.SetPending(p.store.Len())
	if succeeded {
		p.m.RecordInvocation("succeeded")
	} else {
		p.m.RecordInvocation("failed")
	}

	tx.succeed(protocol.Accepted())
	p.m.RecordTransaction(reportRoute(succeeded), "accepted")
	logging.Op().Debug("invocation resolved", "request_id", requestID, "succeeded", succeeded)
}

func reportRoute(succeeded bool) string {
	if succeeded {
		return "invocation_response"
	}
	return "invocation_error"
}

// handleInitError records an init failure. Only the first one observed
// while initializing changes anything; it stops the lifecycle and wakes
// any blocked poll so it can fail out. Every init-error call is
// acknowledged regardless.
func (p *Processor) handleInitError(tx *Transaction) {
	info := protocol.ParseErrorInfo(tx.Req)
	if p.state.CompareAndSwap(int32(StateInitializing), int32(StateStopped)) {
		p.resolveInit(InitResult{OK: false, Err: &info})
		p.wake.Release()
		logging.Op().Warn("poller reported init failure",
			"error_type", info.ErrorType, "error_message", info.ErrorMessage)
	}
	tx.succeed(protocol.Accepted())
	p.m.RecordTransaction("init_error", "accepted")
}
