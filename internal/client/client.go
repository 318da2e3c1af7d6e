// Package client is the poller side of the emulated control protocol:
// a typed runtime-interface client that issues the four recognized call
// shapes against the broker, plus a Run loop that drives a handler
// function the way the real runtime's execution loop would.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/j-d-ha/lambdatest/internal/broker"
	"github.com/j-d-ha/lambdatest/internal/protocol"
)

// Transport carries one control-protocol call to the emulator. The
// broker's Submit satisfies it directly; an HTTP client could too.
type Transport interface {
	Submit(ctx context.Context, req protocol.Request) (protocol.Response, error)
}

// Runtime is a control-protocol client bound to one transport.
type Runtime struct {
	t Transport
}

func New(t Transport) *Runtime {
	return &Runtime{t: t}
}

// Invocation is one unit of work handed to the poller.
type Invocation struct {
	RequestID string
	Deadline  time.Time // zero when the work has no deadline
	Payload   []byte
}

// NextInvocation blocks until the emulator hands out a unit of work.
func (r *Runtime) NextInvocation(ctx context.Context) (*Invocation, error) {
	resp, err := r.t.Submit(ctx, protocol.Request{
		Method: http.MethodGet,
		Path:   protocol.APIPrefix + "/runtime/invocation/next",
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("next invocation: unexpected status %d", resp.Status)
	}

	inv := &Invocation{Payload: resp.Body}
	if vs := resp.Header[protocol.HeaderRequestID]; len(vs) > 0 {
		inv.RequestID = vs[0]
	}
	if vs := resp.Header[protocol.HeaderDeadlineMs]; len(vs) > 0 {
		if ms, err := strconv.ParseInt(vs[0], 10, 64); err == nil {
			inv.Deadline = time.UnixMilli(ms)
		}
	}
	if inv.RequestID == "" {
		return nil, fmt.Errorf("next invocation: missing %s header", protocol.HeaderRequestID)
	}
	return inv, nil
}

// SendResponse reports a successful result for the given request id.
func (r *Runtime) SendResponse(ctx context.Context, requestID string, body []byte) error {
	return r.post(ctx, protocol.APIPrefix+"/runtime/invocation/"+requestID+"/response", nil, body)
}

// SendError reports a failed invocation.
func (r *Runtime) SendError(ctx context.Context, requestID string, info protocol.ErrorInfo) error {
	header := map[string][]string{protocol.HeaderErrorType: {info.ErrorType}}
	return r.post(ctx, protocol.APIPrefix+"/runtime/invocation/"+requestID+"/error", header, info.Marshal())
}

// SendInitError reports that the poller failed to come up.
func (r *Runtime) SendInitError(ctx context.Context, info protocol.ErrorInfo) error {
	header := map[string][]string{protocol.HeaderErrorType: {info.ErrorType}}
	return r.post(ctx, protocol.APIPrefix+"/runtime/init/error", header, info.Marshal())
}

func (r *Runtime) post(ctx context.Context, path string, header map[string][]string, body []byte) error {
	resp, err := r.t.Submit(ctx, protocol.Request{
		Method: http.MethodPost,
		Path:   path,
		Header: header,
		Body:   body,
	})
	if err != nil {
		return err
	}
	if resp.Status != http.StatusAccepted {
		return fmt.Errorf("post %s: unexpected status %d", path, resp.Status)
	}
	return nil
}

// Handler processes one invocation payload and returns the result
// payload or an error.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Run polls for work and feeds it to the handler until ctx ends or the
// emulator shuts down. Handler errors are reported on the error route
// and do not stop the loop. Shutdown of the emulator ends the loop
// without error.
func (r *Runtime) Run(ctx context.Context, h Handler) error {
	for {
		inv, err := r.NextInvocation(ctx)
		if err != nil {
			if errors.Is(err, broker.ErrDisposed) || errors.Is(err, broker.ErrNotRunning) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		hctx := ctx
		if !inv.Deadline.IsZero() {
			var cancel context.CancelFunc
			hctx, cancel = context.WithDeadline(ctx, inv.Deadline)
			out, herr := h(hctx, inv.Payload)
			cancel()
			if rerr := r.report(ctx, inv.RequestID, out, herr); rerr != nil {
				return rerr
			}
			continue
		}

		out, herr := h(hctx, inv.Payload)
		if rerr := r.report(ctx, inv.RequestID, out, herr); rerr != nil {
			return rerr
		}
	}
}

func (r *Runtime) report(ctx context.Context, requestID string, out []byte, herr error) error {
	var err error
	if herr != nil {
		err = r.SendError(ctx, requestID, protocol.ErrorInfo{
			ErrorMessage: herr.Error(),
			ErrorType:    "HandlerError",
		})
	} else {
		err = r.SendResponse(ctx, requestID, out)
	}
	if err == nil || errors.Is(err, broker.ErrDisposed) {
		return nil
	}
	if errors.Is(err, broker.ErrUnknownRequestID) {
		// The work was cancelled or expired while we held it; move on.
		return nil
	}
	return err
}
