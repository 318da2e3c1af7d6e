package broker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/j-d-ha/lambdatest/internal/pending"
	"github.com/j-d-ha/lambdatest/internal/protocol"
)

func noopSpan() trace.Span {
	return trace.SpanFromContext(context.Background())
}

func nextReq() protocol.Request {
	return protocol.Request{
		Method: http.MethodGet,
		Path:   protocol.APIPrefix + "/runtime/invocation/next",
	}
}

func responseReq(id string, body []byte) protocol.Request {
	return protocol.Request{
		Method: http.MethodPost,
		Path:   protocol.APIPrefix + "/runtime/invocation/" + id + "/response",
		Body:   body,
	}
}

func errorReq(id string, body []byte) protocol.Request {
	return protocol.Request{
		Method: http.MethodPost,
		Path:   protocol.APIPrefix + "/runtime/invocation/" + id + "/error",
		Body:   body,
	}
}

func initErrorReq(body []byte) protocol.Request {
	return protocol.Request{
		Method: http.MethodPost,
		Path:   protocol.APIPrefix + "/runtime/init/error",
		Body:   body,
	}
}

// startRunning brings a fresh processor to Running by issuing the init
// poll and cancelling it once initialization resolves, so the test owns
// every later poll.
func startRunning(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pollDone := make(chan struct{})
	go func() {
		_, _ = p.Submit(ctx, nextReq())
		close(pollDone)
	}()

	ictx, icancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer icancel()
	res, err := p.AwaitInit(ictx)
	if err != nil {
		t.Fatalf("AwaitInit: %v", err)
	}
	if !res.OK {
		t.Fatalf("init failed: %+v", res.Err)
	}

	cancel()
	select {
	case <-pollDone:
	case <-time.After(time.Second):
		t.Fatal("init poll did not unwind after cancellation")
	}
}

type queueOutcome struct {
	res *pending.Result
	err error
}

// queueAsync issues QueueInvocation on its own goroutine and waits for
// the store to register it, so callers can rely on enqueue order.
func queueAsync(t *testing.T, p *Processor, ctx context.Context, id string, payload []byte, deadline time.Time) <-chan queueOutcome {
	t.Helper()
	before := p.store.Len()
	ch := make(chan queueOutcome, 1)
	go func() {
		res, err := p.QueueInvocation(ctx, id, payload, deadline)
		ch <- queueOutcome{res: res, err: err}
	}()
	waitFor(t, func() bool { return p.store.Len() > before })
	return ch
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRoundTripSuccess(t *testing.T) {
	p := New()
	p.Start()
	t.Cleanup(p.Close)
	startRunning(t, p)

	ctx := context.Background()
	outCh := queueAsync(t, p, ctx, "req-1", []byte(`{"x":1}`), time.Now().Add(time.Minute))

	resp, err := p.Submit(ctx, nextReq())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("poll status = %d, want 200", resp.Status)
	}
	if string(resp.Body) != `{"x":1}` {
		t.Fatalf("poll body = %s, want the queued payload", resp.Body)
	}
	if got := resp.Header[protocol.HeaderRequestID]; len(got) != 1 || got[0] != "req-1" {
		t.Fatalf("request id header = %v", got)
	}
	if got := resp.Header[protocol.HeaderDeadlineMs]; len(got) != 1 {
		t.Fatalf("deadline header missing: %v", resp.Header)
	}

	ack, err := p.Submit(ctx, responseReq("req-1", []byte(`"done"`)))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if ack.Status != http.StatusAccepted {
		t.Fatalf("report status = %d, want 202", ack.Status)
	}

	select {
	case out := <-outCh:
		if out.err != nil {
			t.Fatalf("QueueInvocation: %v", out.err)
		}
		if !out.res.Succeeded {
			t.Fatal("result should be tagged as a success")
		}
		if string(out.res.Body) != `"done"` {
			t.Fatalf("result body = %s, want the reported payload", out.res.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("driver never saw the result")
	}
}

func TestRoundTripFailureReport(t *testing.T) {
	p := New()
	p.Start()
	t.Cleanup(p.Close)
	startRunning(t, p)

	ctx := context.Background()
	outCh := queueAsync(t, p, ctx, "req-1", []byte(`{}`), time.Now().Add(time.Minute))

	if _, err := p.Submit(ctx, nextReq()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	errBody := []byte(`{"errorMessage":"boom","errorType":"HandlerError"}`)
	if _, err := p.Submit(ctx, errorReq("req-1", errBody)); err != nil {
		t.Fatalf("error report: %v", err)
	}

	out := <-outCh
	if out.err != nil {
		t.Fatalf("QueueInvocation: %v", out.err)
	}
	if out.res.Succeeded {
		t.Fatal("result should be tagged as a failure")
	}
	if string(out.res.Body) != string(errBody) {
		t.Fatalf("result body = %s, want the error payload", out.res.Body)
	}
}

func TestDuplicateRequestIDFailsSynchronously(t *testing.T) {
	p := New()
	p.Start()
	t.Cleanup(p.Close)
	startRunning(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = queueAsync(t, p, ctx, "dup", nil, time.Now().Add(time.Minute))

	_, err := p.QueueInvocation(context.Background(), "dup", nil, time.Now().Add(time.Minute))
	if !errors.Is(err, ErrDuplicateRequestID) {
		t.Fatalf("duplicate queue = %v, want ErrDuplicateRequestID", err)
	}
}

func TestFIFOFairness(t *testing.T) {
	p := New()
	p.Start()
	t.Cleanup(p.Close)
	startRunning(t, p)

	ctx := context.Background()
	deadline := time.Now().Add(time.Minute)
	_ = queueAsync(t, p, ctx, "a", []byte("A"), deadline)
	_ = queueAsync(t, p, ctx, "b", []byte("B"), deadline)

	first, err := p.Submit(ctx, nextReq())
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	second, err := p.Submit(ctx, nextReq())
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if string(first.Body) != "A" || string(second.Body) != "B" {
		t.Fatalf("served %s then %s, want A then B", first.Body, second.Body)
	}
}

func TestExpirySkip(t *testing.T) {
	p := New()
	p.Start()
	t.Cleanup(p.Close)
	startRunning(t, p)

	ctx := context.Background()
	expiredCh := queueAsync(t, p, ctx, "old", []byte("A"), time.Now().Add(-time.Second))
	_ = queueAsync(t, p, ctx, "fresh", []byte("B"), time.Now().Add(time.Minute))

	resp, err := p.Submit(ctx, nextReq())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if string(resp.Body) != "B" {
		t.Fatalf("poll got %s, want the unexpired invocation", resp.Body)
	}

	select {
	case out := <-expiredCh:
		if !errors.Is(out.err, ErrExpired) {
			t.Fatalf("expired invocation resolved with %v, want ErrExpired", out.err)
		}
	case <-time.After(time.Second):
		t.Fatal("expired invocation never resolved")
	}
}

func TestUnknownRequestIDReport(t *testing.T) {
	p := New()
	p.Start()
	t.Cleanup(p.Close)
	startRunning(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outCh := queueAsync(t, p, ctx, "kept", nil, time.Now().Add(time.Minute))

	_, err := p.Submit(context.Background(), responseReq("ghost", nil))
	if !errors.Is(err, ErrUnknownRequestID) {
		t.Fatalf("unknown report = %v, want ErrUnknownRequestID", err)
	}
	_, err = p.Submit(context.Background(), errorReq("ghost", nil))
	if !errors.Is(err, ErrUnknownRequestID) {
		t.Fatalf("unknown error report = %v, want ErrUnknownRequestID", err)
	}

	// The pending invocation was untouched.
	select {
	case out := <-outCh:
		t.Fatalf("pending invocation resolved spuriously: %+v", out)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProtocolViolationDoesNotStopLoop(t *testing.T) {
	p := New()
	p.Start()
	t.Cleanup(p.Close)
	startRunning(t, p)

	ctx := context.Background()
	_, err := p.Submit(ctx, protocol.Request{Method: http.MethodGet, Path: "/not/a/route"})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("bad route = %v, want ErrProtocol", err)
	}

	// The loop still serves valid traffic afterwards.
	_ = queueAsync(t, p, ctx, "after", []byte("ok"), time.Now().Add(time.Minute))
	resp, err := p.Submit(ctx, nextReq())
	if err != nil || string(resp.Body) != "ok" {
		t.Fatalf("poll after violation = (%s, %v)", resp.Body, err)
	}
}

func TestQueueInvocationCancellation(t *testing.T) {
	p := New()
	p.Start()
	t.Cleanup(p.Close)
	startRunning(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	outCh := queueAsync(t, p, ctx, "doomed", nil, time.Now().Add(time.Minute))
	cancel()

	select {
	case out := <-outCh:
		if !errors.Is(out.err, ErrCancelled) {
			t.Fatalf("cancelled queue = %v, want ErrCancelled", out.err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled invocation never resolved")
	}

	// The cancelled work is gone; a poll must not receive it.
	_ = queueAsync(t, p, context.Background(), "live", []byte("B"), time.Now().Add(time.Minute))
	resp, err := p.Submit(context.Background(), nextReq())
	if err != nil || string(resp.Body) != "B" {
		t.Fatalf("poll = (%s, %v), want the live invocation", resp.Body, err)
	}
}

func TestPollBlocksUntilWorkArrives(t *testing.T) {
	p := New()
	p.Start()
	t.Cleanup(p.Close)
	startRunning(t, p)

	pollResp := make(chan protocol.Response, 1)
	go func() {
		resp, err := p.Submit(context.Background(), nextReq())
		if err == nil {
			pollResp <- resp
		}
	}()

	select {
	case resp := <-pollResp:
		t.Fatalf("poll returned %v with no work queued", resp)
	case <-time.After(50 * time.Millisecond):
	}

	_ = queueAsync(t, p, context.Background(), "wakeup", []byte("W"), time.Now().Add(time.Minute))
	select {
	case resp := <-pollResp:
		if string(resp.Body) != "W" {
			t.Fatalf("poll body = %s", resp.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("queued work never woke the parked poll")
	}
}

func TestPollCancellation(t *testing.T) {
	p := New()
	p.Start()
	t.Cleanup(p.Close)
	startRunning(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Submit(ctx, nextReq())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cancelled poll = %v, want deadline exceeded", err)
	}

	// Work queued later is served to a fresh poll, not lost to the dead one.
	_ = queueAsync(t, p, context.Background(), "later", []byte("L"), time.Now().Add(time.Minute))
	resp, err := p.Submit(context.Background(), nextReq())
	if err != nil || string(resp.Body) != "L" {
		t.Fatalf("fresh poll = (%s, %v)", resp.Body, err)
	}
}

func TestDeliverLosesRaceRequeues(t *testing.T) {
	p := New()
	inv := pending.NewInvocation("req", []byte("x"), time.Time{})

	tx := newTransaction(nextReq())
	tx.fail(context.Canceled)

	if p.deliver(tx, inv) {
		t.Fatal("deliver should report failure against a resolved transaction")
	}
}

func TestLostDeliveryWakesParkedPoll(t *testing.T) {
	p := New()
	p.advance(StateRunning)

	inv := pending.NewInvocation("req", []byte("x"), time.Time{})
	if err := p.store.Insert(inv); err != nil {
		t.Fatalf("insert: %v", err)
	}
	claimed, _ := p.store.Claim(time.Now())
	if claimed == nil {
		t.Fatal("claim came back empty")
	}

	// Park a second poll while the only work is held by the claim above.
	live := newTransaction(nextReq())
	served := make(chan protocol.Response, 1)
	go func() {
		p.awaitWork(live, noopSpan())
		if resp, err := live.wait(context.Background()); err == nil {
			served <- resp
		}
	}()
	select {
	case resp := <-served:
		t.Fatalf("parked poll served %s with no deliverable work", resp.Body)
	case <-time.After(50 * time.Millisecond):
	}

	// The claiming poll dies and loses the delivery race; the requeue
	// must carry a permit or the parked poll sleeps forever.
	dead := newTransaction(nextReq())
	dead.fail(context.Canceled)
	if p.deliver(dead, claimed) {
		t.Fatal("deliver should fail against a resolved transaction")
	}
	p.redeliver(claimed)

	select {
	case resp := <-served:
		if string(resp.Body) != "x" {
			t.Fatalf("redelivered body = %s, want the original payload", resp.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("requeued work never reached the parked poll")
	}
}

// endSpy records whether End was called; everything else is the no-op
// span's behavior.
type endSpy struct {
	trace.Span
	mu    sync.Mutex
	ended bool
}

func (s *endSpy) End(...trace.SpanEndOption) {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
}

func (s *endSpy) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func TestParkedPollSpanEndsOnResolution(t *testing.T) {
	p := New()
	p.advance(StateRunning)

	spy := &endSpy{Span: noopSpan()}
	tx := newTransaction(nextReq())
	p.handleNext(tx, spy)

	time.Sleep(50 * time.Millisecond)
	if spy.isEnded() {
		t.Fatal("span ended while the poll was still parked")
	}

	inv := pending.NewInvocation("req", []byte("x"), time.Time{})
	if err := p.store.Insert(inv); err != nil {
		t.Fatalf("insert: %v", err)
	}
	p.wake.Release()

	if _, err := tx.wait(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	waitFor(t, spy.isEnded)

	// The inline path ends the span before handleNext returns.
	inline := &endSpy{Span: noopSpan()}
	inv2 := pending.NewInvocation("req-2", []byte("y"), time.Time{})
	if err := p.store.Insert(inv2); err != nil {
		t.Fatalf("insert: %v", err)
	}
	p.handleNext(newTransaction(nextReq()), inline)
	if !inline.isEnded() {
		t.Fatal("inline delivery must end the span synchronously")
	}
}

func TestHandlerPanicFailsOnlyThatTransaction(t *testing.T) {
	p := New()
	p.state.Store(int32(StateRunning))
	p.store = nil // next route handler faults on the nil store

	tx := newTransaction(nextReq())
	p.dispatch(tx)
	if _, err := tx.wait(context.Background()); !errors.Is(err, ErrHandlerFault) {
		t.Fatalf("panicking dispatch = %v, want ErrHandlerFault", err)
	}

	// Dispatch survived the panic; later transactions are unaffected.
	p.store = pending.NewStore()
	inv := pending.NewInvocation("after", []byte("ok"), time.Time{})
	if err := p.store.Insert(inv); err != nil {
		t.Fatalf("insert: %v", err)
	}
	tx2 := newTransaction(nextReq())
	p.dispatch(tx2)
	resp, err := tx2.wait(context.Background())
	if err != nil || string(resp.Body) != "ok" {
		t.Fatalf("dispatch after fault = (%s, %v), want the queued payload", resp.Body, err)
	}
}

func TestSubmitBackpressureOnFullChannel(t *testing.T) {
	p := New(WithChannelCapacity(1))
	t.Cleanup(p.Close)

	first := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), responseReq("ghost-1", nil))
		first <- err
	}()
	waitFor(t, func() bool { return len(p.txCh) == 1 })

	second := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), responseReq("ghost-2", nil))
		second <- err
	}()

	// Nothing drains the channel yet; the second producer blocks rather
	// than dropping.
	select {
	case err := <-second:
		t.Fatalf("second submit returned %v while the channel was full", err)
	case <-time.After(50 * time.Millisecond):
	}

	p.Start()
	for _, ch := range []chan error{first, second} {
		select {
		case err := <-ch:
			if !errors.Is(err, ErrUnknownRequestID) {
				t.Fatalf("submit = %v, want ErrUnknownRequestID once the loop drains", err)
			}
		case <-time.After(time.Second):
			t.Fatal("submit never completed after the loop started")
		}
	}
}
