// Package protocol defines the wire shapes of the emulated runtime
// control protocol: buffered request/response descriptors, the route
// classifier, and the structured error payload. Everything here is pure
// data and pure functions; no transport is involved.
package protocol

import (
	"net/http"
	"net/textproto"
)

// Header names carried on control-protocol messages. These follow the
// AWS Lambda runtime API so real runtime clients can be pointed at the
// emulator unchanged.
const (
	HeaderRequestID  = "Lambda-Runtime-Aws-Request-Id"
	HeaderDeadlineMs = "Lambda-Runtime-Deadline-Ms"
	HeaderErrorType  = "Lambda-Runtime-Function-Error-Type"
)

// APIPrefix is the versioned path prefix used by the bundled runtime
// client. The classifier itself accepts any prefix.
const APIPrefix = "/2018-06-01"

// Request is a fully buffered, transport-independent request descriptor.
// The body is owned by the descriptor; callers must not mutate it after
// submission.
type Request struct {
	Method string
	Path   string
	Header map[string][]string
	Body   []byte
}

// HeaderValue returns the first value for the given header name,
// matching case-insensitively, or "".
func (r Request) HeaderValue(name string) string {
	if r.Header == nil {
		return ""
	}
	key := textproto.CanonicalMIMEHeaderKey(name)
	for k, vs := range r.Header {
		if textproto.CanonicalMIMEHeaderKey(k) == key && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// Response is a fully buffered response descriptor.
type Response struct {
	Status int
	Header map[string][]string
	Body   []byte
}

// SetHeader sets a single-valued header, allocating the map on first use.
func (r *Response) SetHeader(name, value string) {
	if r.Header == nil {
		r.Header = make(map[string][]string)
	}
	r.Header[name] = []string{value}
}

// AcceptedBody is the minimal acknowledgement payload returned for
// report operations.
var AcceptedBody = []byte(`{"status":"OK"}`)

// Accepted returns the generic acknowledgement response for report
// operations.
func Accepted() Response {
	resp := Response{Status: http.StatusAccepted, Body: AcceptedBody}
	resp.SetHeader("Content-Type", "application/json")
	return resp
}

// CloneHeader returns a deep copy of a header map. A nil input yields a
// non-nil empty map so captured copies are always safe to read.
func CloneHeader(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, vs := range h {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
