// ABOUTME: Command invocation envelope and the two-layer command result.
// ABOUTME: NormalizeInvoke unwraps the inner command envelope when the outer response carries one.

package protocol

import (
	"encoding/json"
)

// Invocation is a command routed to this node by the gateway.
type Invocation struct {
	ID             string          `json:"id,omitempty"`
	NodeID         string          `json:"nodeId"`
	Command        string          `json:"command"`
	Params         json.RawMessage `json:"params,omitempty"`
	ParamsJSON     string          `json:"paramsJSON,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	TimeoutMs      int64           `json:"timeoutMs,omitempty"`
}

// RawParams returns the command params, preferring the structured form over
// the string-encoded paramsJSON some gateways send.
func (inv *Invocation) RawParams() json.RawMessage {
	if len(inv.Params) > 0 {
		return inv.Params
	}
	if inv.ParamsJSON != "" {
		return json.RawMessage(inv.ParamsJSON)
	}
	return json.RawMessage("{}")
}

// CommandResult is the inner, command-level envelope produced by the node.
type CommandResult struct {
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// InvokeResultParams is the body of a node.invoke.result request, used when the
// invocation arrived as an event rather than a request.
type InvokeResultParams struct {
	ID      string          `json:"id"`
	NodeID  string          `json:"nodeId"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`
}

// InvokeResult is a normalized node.invoke response. HasInner reports whether
// the outer response was ok and carried an inner command envelope; when it did
// the inner envelope is authoritative, otherwise the outer response is.
type InvokeResult struct {
	Outer    *Response
	HasInner bool
	Inner    CommandResult
}

type innerProbe struct {
	OK          *bool           `json:"ok"`
	Payload     json.RawMessage `json:"payload"`
	PayloadJSON string          `json:"payloadJSON"`
	Error       *ErrorShape     `json:"error"`
}

// NormalizeInvoke classifies a node.invoke response.
func NormalizeInvoke(res *Response) InvokeResult {
	r := InvokeResult{Outer: res}
	if res == nil || !res.OK || len(res.Payload) == 0 {
		return r
	}

	var probe innerProbe
	if err := json.Unmarshal(res.Payload, &probe); err != nil || probe.OK == nil {
		return r
	}

	r.HasInner = true
	r.Inner = CommandResult{OK: *probe.OK, Payload: probe.Payload, Error: probe.Error}
	if len(r.Inner.Payload) == 0 && probe.PayloadJSON != "" {
		r.Inner.Payload = json.RawMessage(probe.PayloadJSON)
	}
	return r
}

// OK reports the authoritative success flag.
func (r InvokeResult) OK() bool {
	if r.HasInner {
		return r.Inner.OK
	}
	return r.Outer != nil && r.Outer.OK
}

// Payload returns the authoritative payload.
func (r InvokeResult) Payload() json.RawMessage {
	if r.HasInner {
		return r.Inner.Payload
	}
	if r.Outer == nil {
		return nil
	}
	return r.Outer.Payload
}

// Err returns the authoritative error, if any.
func (r InvokeResult) Err() *ErrorShape {
	if r.HasInner {
		return r.Inner.Error
	}
	if r.Outer == nil {
		return &ErrorShape{Code: CodeInternal, Message: "no response"}
	}
	return r.Outer.Error
}
