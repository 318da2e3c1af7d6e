package pending

import "errors"

// Terminal, non-report outcomes for a pending invocation. Exactly one
// of these (or a report) resolves any given invocation.
var (
	// ErrDuplicateRequestID rejects a second insert under an id that is
	// still pending. This is a driver bug and fails loudly.
	ErrDuplicateRequestID = errors.New("request id already pending")

	// ErrExpired resolves an invocation whose deadline passed before a
	// poller picked it up.
	ErrExpired = errors.New("invocation deadline expired before delivery")

	// ErrCancelled resolves an invocation withdrawn by its caller.
	ErrCancelled = errors.New("invocation cancelled by caller")

	// ErrDisposed resolves everything still outstanding at shutdown.
	ErrDisposed = errors.New("processor disposed")
)
