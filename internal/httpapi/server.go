// Package httpapi bridges the in-memory broker onto a real net/http
// server, so external runtime clients can speak the control protocol
// over a socket. The in-memory core never needs this; it exists for
// serve mode and manual poking.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/j-d-ha/lambdatest/internal/broker"
	"github.com/j-d-ha/lambdatest/internal/logging"
	"github.com/j-d-ha/lambdatest/internal/protocol"
)

// maxBodyBytes caps buffered request bodies, matching the Lambda
// payload ceiling.
const maxBodyBytes = 6 * 1024 * 1024

// Handler forwards every request through the broker's HTTP surface.
type Handler struct {
	Proc *broker.Processor
}

// RegisterRoutes mounts the control protocol and a liveness probe.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.health)
	mux.HandleFunc("/", h.handle)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"state":  h.Proc.State().String(),
	})
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.Proc.Submit(r.Context(), protocol.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header,
		Body:   body,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	if _, err := w.Write(resp.Body); err != nil {
		logging.Op().Debug("write response", "error", err)
	}
}

// writeError maps broker failures onto control-protocol error replies.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	errType := "InternalError"
	switch {
	case errors.Is(err, broker.ErrProtocol):
		status = http.StatusNotFound
		errType = "InvalidRequest"
	case errors.Is(err, broker.ErrUnknownRequestID):
		status = http.StatusNotFound
		errType = "InvalidRequestID"
	case errors.Is(err, broker.ErrNotRunning), errors.Is(err, broker.ErrDisposed):
		status = http.StatusServiceUnavailable
		errType = "ProcessorUnavailable"
	}

	body := protocol.ErrorInfo{ErrorMessage: err.Error(), ErrorType: errType}.Marshal()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
