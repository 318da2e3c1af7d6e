package protocol

import (
	"net/http"
	"strings"
)

// RouteKind identifies one of the four recognized control-protocol
// operations.
type RouteKind int

const (
	RouteUnknown RouteKind = iota
	RouteNextInvocation
	RouteInvocationResponse
	RouteInvocationError
	RouteInitError
)

func (k RouteKind) String() string {
	switch k {
	case RouteNextInvocation:
		return "next_invocation"
	case RouteInvocationResponse:
		return "invocation_response"
	case RouteInvocationError:
		return "invocation_error"
	case RouteInitError:
		return "init_error"
	default:
		return "unknown"
	}
}

// Route is a classified request: the operation kind plus the request id
// extracted from the path, when the shape carries one.
type Route struct {
	Kind      RouteKind
	RequestID string
}

// Classify maps a request descriptor to a recognized operation.
// Matching is by trailing path segments, so any API-version prefix is
// accepted:
//
//	GET  .../invocation/next
//	POST .../invocation/{requestId}/response
//	POST .../invocation/{requestId}/error
//	POST .../init/error
//
// The second return is false when the request matches none of the four
// shapes.
func Classify(req Request) (Route, bool) {
	segs := splitPath(req.Path)
	n := len(segs)

	switch req.Method {
	case http.MethodGet:
		if n >= 2 && segs[n-2] == "invocation" && segs[n-1] == "next" {
			return Route{Kind: RouteNextInvocation}, true
		}
	case http.MethodPost:
		// invocation/{id}/... wins over init/error so an id of "init"
		// cannot shadow the invocation shapes.
		if n >= 3 && segs[n-3] == "invocation" {
			switch segs[n-1] {
			case "response":
				return Route{Kind: RouteInvocationResponse, RequestID: segs[n-2]}, true
			case "error":
				return Route{Kind: RouteInvocationError, RequestID: segs[n-2]}, true
			}
		}
		if n >= 2 && segs[n-2] == "init" && segs[n-1] == "error" {
			return Route{Kind: RouteInitError}, true
		}
	}
	return Route{}, false
}

func splitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}
