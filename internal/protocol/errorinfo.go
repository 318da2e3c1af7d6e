package protocol

import (
	"encoding/json"
	"strings"
)

// ErrorInfo is the structured error payload exchanged on the error
// routes, in the AWS Lambda wire shape.
type ErrorInfo struct {
	ErrorMessage string   `json:"errorMessage"`
	ErrorType    string   `json:"errorType"`
	StackTrace   []string `json:"stackTrace,omitempty"`
}

// ParseErrorInfo decodes a structured error body. A body that is not
// valid JSON is kept as the raw message text, with the error type taken
// from the request's error-type header when present.
func ParseErrorInfo(req Request) ErrorInfo {
	var info ErrorInfo
	if len(req.Body) > 0 && json.Unmarshal(req.Body, &info) == nil && (info.ErrorMessage != "" || info.ErrorType != "") {
		return info
	}
	info = ErrorInfo{
		ErrorMessage: strings.TrimSpace(string(req.Body)),
		ErrorType:    req.HeaderValue(HeaderErrorType),
	}
	if info.ErrorType == "" {
		info.ErrorType = "UnknownError"
	}
	if info.ErrorMessage == "" {
		info.ErrorMessage = "unknown error"
	}
	return info
}

// Marshal renders the payload as JSON. The zero value marshals cleanly,
// so the error path never itself errors.
func (e ErrorInfo) Marshal() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return []byte(`{"errorMessage":"marshal failure","errorType":"UnknownError"}`)
	}
	return b
}
