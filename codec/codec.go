// Package codec converts envelopes to and from frame bodies.
//
// Encoding is plain encoding/json: field order is fixed by the struct
// definitions and the id is an opaque string, so it round-trips byte for byte.
// Decoding never panics on bad input; it reports one of the error kinds below
// so callers can drop the frame and keep the connection.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/juju/errors"

	"campus-rpc/message"
)

const (
	// ErrMalformedFrame means the frame is not a JSON object of the expected shape.
	ErrMalformedFrame = errors.ConstError("malformed frame")

	// ErrMissingID means the frame decoded but carries no correlation id.
	ErrMissingID = errors.ConstError("frame has no id")

	// ErrUnknownStatus means a response carries a status outside the known set.
	ErrUnknownStatus = errors.ConstError("unknown response status")
)

// DecodeError describes why a frame was rejected. It matches its Kind with
// errors.Is.
type DecodeError struct {
	Kind  error
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Cause == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
}

func (e *DecodeError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// EncodeRequest serializes req into a frame body.
func EncodeRequest(req *message.Request) ([]byte, error) {
	if req == nil || req.ID == "" {
		return nil, ErrMissingID
	}
	return json.Marshal(req)
}

// DecodeRequest parses a frame body into a Request.
func DecodeRequest(data []byte) (*message.Request, error) {
	var req message.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &DecodeError{Kind: ErrMalformedFrame, Cause: err}
	}
	if req.ID == "" {
		return nil, &DecodeError{Kind: ErrMissingID}
	}
	if req.Params == nil {
		req.Params = map[string]string{}
	}
	return &req, nil
}

// EncodeResponse serializes resp into a frame body.
func EncodeResponse(resp *message.Response) ([]byte, error) {
	if resp == nil || resp.ID == "" {
		return nil, ErrMissingID
	}
	if !resp.Status.Valid() {
		return nil, errors.Annotatef(ErrUnknownStatus, "status %q", resp.Status)
	}
	return json.Marshal(resp)
}

// DecodeResponse parses a frame body into a Response.
func DecodeResponse(data []byte) (*message.Response, error) {
	var resp message.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &DecodeError{Kind: ErrMalformedFrame, Cause: err}
	}
	if resp.ID == "" {
		return nil, &DecodeError{Kind: ErrMissingID}
	}
	if !resp.Status.Valid() {
		return nil, &DecodeError{Kind: ErrUnknownStatus, Cause: fmt.Errorf("status %q", resp.Status)}
	}
	return &resp, nil
}
