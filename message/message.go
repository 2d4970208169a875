// Package message defines the envelope exchanged between client and server.
//
// Every frame on the wire is either a Request or a Response encoded as a single
// JSON object. The Request id is echoed on its Response and is the only thing
// that ties the two together.
package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a request as reported by the server.
type Status string

const (
	StatusSuccess       Status = "SUCCESS"
	StatusError         Status = "ERROR"
	StatusForbidden     Status = "FORBIDDEN"
	StatusNotFound      Status = "NOT_FOUND"
	StatusBadRequest    Status = "BAD_REQUEST"
	StatusInternalError Status = "INTERNAL_ERROR"
)

// Statuses lists every status in wire order.
var Statuses = []Status{
	StatusSuccess,
	StatusError,
	StatusForbidden,
	StatusNotFound,
	StatusBadRequest,
	StatusInternalError,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Request is a single call from the client.
//
//   - ID is generated by the client and must be unique among its outstanding calls.
//   - Session is filled in by the server before dispatch; anything the client
//     sends there is discarded.
type Request struct {
	ID        string            `json:"id"`
	URI       string            `json:"uri"`
	Params    map[string]string `json:"params"`
	Session   *Session          `json:"session"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// NewRequest builds a request with a fresh correlation id.
func NewRequest(uri string, params map[string]string, now time.Time) *Request {
	if params == nil {
		params = map[string]string{}
	}
	return &Request{
		ID:        NewID(),
		URI:       uri,
		Params:    params,
		Timestamp: now,
	}
}

// Param returns the named parameter, or "" when absent.
func (r *Request) Param(name string) string {
	if r == nil || r.Params == nil {
		return ""
	}
	return r.Params[name]
}

// Response is the server's answer to one Request.
//
// Session is only set when the call changed the connection's authentication
// state (login, logout). It is serialized as its own field so the client can
// observe the change.
type Response struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Session   *Session        `json:"session,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewResponse builds a response without payload. The timestamp is left zero;
// the server stamps it from its clock when the response is sent.
func NewResponse(status Status, msg string) *Response {
	return &Response{
		Status:  status,
		Message: msg,
	}
}

// Errorf builds a response with a formatted message.
func Errorf(status Status, format string, args ...any) *Response {
	return NewResponse(status, fmt.Sprintf(format, args...))
}

// OK builds a SUCCESS response carrying data. A payload that cannot be
// marshalled turns the response into an INTERNAL_ERROR.
func OK(data any) *Response {
	resp := NewResponse(StatusSuccess, "ok")
	if data == nil {
		return resp
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Errorf(StatusInternalError, "cannot encode response data: %v", err)
	}
	resp.Data = raw
	return resp
}

// WithSession attaches a session change to the response.
func (r *Response) WithSession(s *Session) *Response {
	r.Session = s
	return r
}

// Succeeded reports whether the status is SUCCESS.
func (r *Response) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// Decode unmarshals the payload into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
