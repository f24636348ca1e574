// Package hub is the fabric's control plane: it terminates client
// WebSockets, owns task and agent state in KV, schedules work onto idle
// agents, answers coordination requests, and relays bus traffic to
// connected dashboards.
package hub

import (
	"encoding/json"
	"fmt"
)

// Frame types. Every WebSocket text message carries exactly one JSON frame.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Method error codes, HTTP-flavored.
const (
	CodeBadRequest   = 400
	CodeUnauthorized = 401
	CodeNotFound     = 404
	CodeRateLimited  = 429
	CodeInternal     = 500
	CodeTimeout      = 504
)

// Frame is the wire shape shared by requests, responses and events. A
// request carries ID+Method+Params; a response echoes the ID with Result
// or Error; an event carries Event+Payload and no ID.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload any             `json:"payload,omitempty"`
}

// Error is a method failure.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Errf builds a method error.
func Errf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrMethodNotFound answers requests for unregistered methods.
var ErrMethodNotFound = &Error{Code: CodeNotFound, Message: "method not found"}

// DecodeFrame parses one inbound text message. A missing type defaults to
// req; anything else inbound is rejected.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if f.Type == "" {
		f.Type = FrameRequest
	}
	if f.Type != FrameRequest {
		return nil, fmt.Errorf("unsupported inbound frame type %q", f.Type)
	}
	return &f, nil
}

// ResultFrame answers a request.
func ResultFrame(id string, result any) *Frame {
	return &Frame{Type: FrameResponse, ID: id, Result: result}
}

// ErrorFrame answers a request with a failure.
func ErrorFrame(id string, e *Error) *Frame {
	return &Frame{Type: FrameResponse, ID: id, Error: e}
}

// EventFrame is a server push.
func EventFrame(event string, payload any) *Frame {
	return &Frame{Type: FrameEvent, Event: event, Payload: payload}
}
