// ABOUTME: Wire frame codec for the gateway protocol: req, res and event frames.
// ABOUTME: Frames are JSON objects, one per transport message, tagged by "type".

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FrameType tags a frame on the wire.
type FrameType string

const (
	FrameRequest  FrameType = "req"
	FrameResponse FrameType = "res"
	FrameEvent    FrameType = "event"
)

// Request is an outbound or inbound call that expects a matching Response.
type Request struct {
	ID     string
	Method string
	Params json.RawMessage
}

// Response answers the Request with the same ID.
type Response struct {
	ID      string
	OK      bool
	Payload json.RawMessage
	Error   *ErrorShape
}

// Event is an uncorrelated push.
type Event struct {
	Method  string
	Payload json.RawMessage
}

// Frame is a tagged union; exactly one of Request, Response or Event is set,
// matching Type.
type Frame struct {
	Type     FrameType
	Request  *Request
	Response *Response
	Event    *Event
}

// ErrorShape is the error object carried by a failed response or command result.
type ErrorShape struct {
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

func (e *ErrorShape) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Code != "" && e.Message != "":
		return e.Code + ": " + e.Message
	case e.Message != "":
		return e.Message
	default:
		return e.Code
	}
}

// Reason returns details.reason when present.
func (e *ErrorShape) Reason() string {
	if e == nil || e.Details == nil {
		return ""
	}
	r, _ := e.Details["reason"].(string)
	return r
}

// wireFrame is the flat JSON layout shared by all frame kinds. Some gateways
// name the event in "event" rather than "method"; both are accepted.
type wireFrame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// NewRequest builds a request frame, marshaling params.
func NewRequest(id, method string, params any) (Frame, error) {
	raw, err := marshalRaw(params)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s params: %w", method, err)
	}
	return Frame{Type: FrameRequest, Request: &Request{ID: id, Method: method, Params: raw}}, nil
}

// NewResponse builds a successful response frame.
func NewResponse(id string, payload any) (Frame, error) {
	raw, err := marshalRaw(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding response payload: %w", err)
	}
	return Frame{Type: FrameResponse, Response: &Response{ID: id, OK: true, Payload: raw}}, nil
}

// NewErrorResponse builds a failed response frame.
func NewErrorResponse(id string, shape *ErrorShape) Frame {
	return Frame{Type: FrameResponse, Response: &Response{ID: id, OK: false, Error: shape}}
}

// NewEvent builds an event frame.
func NewEvent(method string, payload any) (Frame, error) {
	raw, err := marshalRaw(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", method, err)
	}
	return Frame{Type: FrameEvent, Event: &Event{Method: method, Payload: raw}}, nil
}

// Encode serializes a frame.
func Encode(f Frame) ([]byte, error) {
	w := wireFrame{Type: f.Type}
	switch f.Type {
	case FrameRequest:
		if f.Request == nil {
			return nil, &ProtocolError{Reason: "request frame without request body"}
		}
		w.ID = f.Request.ID
		w.Method = f.Request.Method
		w.Params = f.Request.Params
	case FrameResponse:
		if f.Response == nil {
			return nil, &ProtocolError{Reason: "response frame without response body"}
		}
		ok := f.Response.OK
		w.ID = f.Response.ID
		w.OK = &ok
		w.Payload = f.Response.Payload
		w.Error = f.Response.Error
	case FrameEvent:
		if f.Event == nil {
			return nil, &ProtocolError{Reason: "event frame without event body"}
		}
		w.Method = f.Event.Method
		w.Payload = f.Event.Payload
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", f.Type)}
	}
	return json.Marshal(w)
}

// Decode parses one frame. Malformed or unrecognized input yields a *ProtocolError.
func Decode(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, &ProtocolError{Reason: "malformed frame", Err: err}
	}

	switch w.Type {
	case FrameRequest:
		if w.ID == "" || w.Method == "" {
			return Frame{}, &ProtocolError{Reason: "request frame missing id or method"}
		}
		return Frame{Type: FrameRequest, Request: &Request{ID: w.ID, Method: w.Method, Params: w.Params}}, nil
	case FrameResponse:
		if w.ID == "" {
			return Frame{}, &ProtocolError{Reason: "response frame missing id"}
		}
		if w.OK == nil {
			return Frame{}, &ProtocolError{Reason: "response frame missing ok"}
		}
		return Frame{Type: FrameResponse, Response: &Response{ID: w.ID, OK: *w.OK, Payload: w.Payload, Error: w.Error}}, nil
	case FrameEvent:
		method := w.Method
		if method == "" {
			method = w.Event
		}
		if method == "" {
			return Frame{}, &ProtocolError{Reason: "event frame missing method"}
		}
		return Frame{Type: FrameEvent, Event: &Event{Method: method, Payload: w.Payload}}, nil
	case "":
		return Frame{}, &ProtocolError{Reason: "frame missing type"}
	default:
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", w.Type)}
	}
}

// Method returns the request or event method, or "" for responses.
func (f Frame) Method() string {
	switch {
	case f.Request != nil:
		return f.Request.Method
	case f.Event != nil:
		return f.Event.Method
	default:
		return ""
	}
}

// DecodePayload unmarshals a response payload into v. An absent payload leaves v untouched.
func (r *Response) DecodePayload(v any) error {
	if len(r.Payload) == 0 || bytes.Equal(r.Payload, []byte("null")) {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

func marshalRaw(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	return json.Marshal(v)
}
