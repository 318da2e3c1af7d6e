package broker

import (
	"errors"

	"github.com/j-d-ha/lambdatest/internal/pending"
)

// Invocation outcomes shared with the pending store, re-exported so
// callers only need this package.
var (
	ErrDisposed           = pending.ErrDisposed
	ErrExpired            = pending.ErrExpired
	ErrCancelled          = pending.ErrCancelled
	ErrDuplicateRequestID = pending.ErrDuplicateRequestID
)

var (
	// ErrNotRunning rejects operations issued outside the lifecycle
	// states that permit them.
	ErrNotRunning = errors.New("processor unavailable")

	// ErrUnknownRequestID fails a report against an id that is not
	// pending (never registered, or already resolved).
	ErrUnknownRequestID = errors.New("unknown request id")

	// ErrProtocol fails a transaction whose request matches none of the
	// recognized control-protocol shapes.
	ErrProtocol = errors.New("unrecognized control-protocol request")

	// ErrHandlerFault wraps a panic recovered from a dispatch handler.
	// It fails only the offending transaction.
	ErrHandlerFault = errors.New("handler fault")
)
