// ABOUTME: Pairing client: list, approve and reject device pairing requests over the gateway session.
// ABOUTME: Also reconciles the operator's friendly node id with the gateway's canonical device id.

package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/coven-node/internal/protocol"
	"github.com/2389/coven-node/internal/store"
)

// ErrNotFound indicates the request id is not pending.
var ErrNotFound = errors.New("pairing request not found")

// Status of a pairing request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Request is one device asking to be paired.
type Request struct {
	RequestID   string `json:"requestId"`
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Role        string `json:"role,omitempty"`
	Status      Status `json:"status,omitempty"`
	CreatedAtMs int64  `json:"createdAtMs,omitempty"`
}

// Listing is the result of device.pair.list.
type Listing struct {
	Pending []Request
	Paired  []string // device ids
}

// Node is one entry of node.list.
type Node struct {
	NodeID      string   `json:"nodeId"`
	DisplayName string   `json:"displayName,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	Connected   bool     `json:"connected,omitempty"`
	Commands    []string `json:"commands,omitempty"`
}

// Requester issues correlated requests; *gateway.Session satisfies it.
type Requester interface {
	Request(ctx context.Context, method string, params any) (*protocol.Response, error)
}

// GatewayError is a failed response from the gateway.
type GatewayError struct {
	Method string
	Shape  *protocol.ErrorShape
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Method, e.Shape.Error())
}

// Client talks to the gateway's pairing surface.
type Client struct {
	req    Requester
	audit  store.AuditLog
	actor  string
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAudit records approvals and rejections; actor names who made them.
func WithAudit(a store.AuditLog, actor string) Option {
	return func(c *Client) {
		c.audit = a
		c.actor = actor
	}
}

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client over req.
func NewClient(req Requester, opts ...Option) *Client {
	c := &Client{req: req, logger: slog.Default(), actor: "cli"}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "pairing")
	return c
}

type listPayload struct {
	Pending []Request         `json:"pending"`
	Paired  []json.RawMessage `json:"paired"`
}

// List returns pending requests and paired device ids.
func (c *Client) List(ctx context.Context) (*Listing, error) {
	res, err := c.call(ctx, protocol.MethodPairList, struct{}{})
	if err != nil {
		return nil, err
	}
	var p listPayload
	if err := res.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", protocol.MethodPairList, err)
	}

	out := &Listing{Pending: p.Pending, Paired: make([]string, 0, len(p.Paired))}
	if out.Pending == nil {
		out.Pending = []Request{}
	}
	for _, raw := range p.Paired {
		if id := pairedID(raw); id != "" {
			out.Paired = append(out.Paired, id)
		}
	}
	return out, nil
}

// pairedID accepts either a bare device id or an object carrying one.
func pairedID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		DeviceID string `json:"deviceId"`
		NodeID   string `json:"nodeId"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	if obj.DeviceID != "" {
		return obj.DeviceID
	}
	return obj.NodeID
}

// Approve approves a pending request. An id not in the pending list fails
// with ErrNotFound without contacting device.pair.approve.
func (c *Client) Approve(ctx context.Context, requestID string) error {
	return c.resolve(ctx, requestID, protocol.MethodPairApprove, store.AuditApprovePairing)
}

// Reject rejects a pending request, with the same not-found rule as Approve.
func (c *Client) Reject(ctx context.Context, requestID string) error {
	return c.resolve(ctx, requestID, protocol.MethodPairReject, store.AuditRejectPairing)
}

func (c *Client) resolve(ctx context.Context, requestID, method string, action store.AuditAction) error {
	listing, err := c.List(ctx)
	if err != nil {
		return err
	}
	req, ok := listing.find(requestID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}

	if _, err := c.call(ctx, method, map[string]string{"requestId": requestID}); err != nil {
		var ge *GatewayError
		if errors.As(err, &ge) && isNotFound(ge.Shape) {
			return fmt.Errorf("%w: %s", ErrNotFound, requestID)
		}
		return err
	}

	c.logger.Info("pairing request resolved",
		"request_id", requestID,
		"device_id", req.DeviceID,
		"method", method,
	)
	if c.audit != nil {
		entry := &store.AuditEntry{
			Actor:      c.actor,
			Action:     action,
			TargetType: "pairing",
			TargetID:   requestID,
			Detail:     map[string]any{"device_id": req.DeviceID, "display_name": req.DisplayName},
		}
		if err := c.audit.AppendAuditLog(context.WithoutCancel(ctx), entry); err != nil {
			c.logger.Warn("failed to audit pairing decision", "error", err)
		}
	}
	return nil
}

// ListNodes returns the nodes the gateway knows about.
func (c *Client) ListNodes(ctx context.Context) ([]Node, error) {
	res, err := c.call(ctx, protocol.MethodNodeList, struct{}{})
	if err != nil {
		return nil, err
	}
	var p struct {
		Nodes []Node `json:"nodes"`
	}
	if err := res.DecodePayload(&p); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", protocol.MethodNodeList, err)
	}
	if p.Nodes == nil {
		p.Nodes = []Node{}
	}
	return p.Nodes, nil
}

// ResolveNodeID returns the id the gateway addresses this node by. It prefers
// a node.list entry matching deviceID, then one matching friendlyID by id or
// display name. Otherwise the gateway has not assigned an id yet and the
// locally derived deviceID is the address; a pending pairing request for it
// is logged.
func (c *Client) ResolveNodeID(ctx context.Context, friendlyID, deviceID string) (string, error) {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return "", err
	}
	for _, n := range nodes {
		if deviceID != "" && n.NodeID == deviceID {
			return n.NodeID, nil
		}
	}
	for _, n := range nodes {
		if friendlyID != "" && (n.NodeID == friendlyID || n.DisplayName == friendlyID) {
			return n.NodeID, nil
		}
	}

	if deviceID == "" {
		return friendlyID, nil
	}
	if listing, err := c.List(ctx); err == nil {
		for _, r := range listing.Pending {
			if r.DeviceID == deviceID {
				c.logger.Info("node awaiting pairing approval", "request_id", r.RequestID, "device_id", deviceID)
				break
			}
		}
	}
	return deviceID, nil
}

func (c *Client) call(ctx context.Context, method string, params any) (*protocol.Response, error) {
	res, err := c.req.Request(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if !res.OK {
		shape := res.Error
		if shape == nil {
			shape = &protocol.ErrorShape{Code: protocol.CodeInternal, Message: "request failed"}
		}
		return nil, &GatewayError{Method: method, Shape: shape}
	}
	return res, nil
}

func (l *Listing) find(requestID string) (Request, bool) {
	for _, r := range l.Pending {
		if r.RequestID == requestID {
			return r, true
		}
	}
	return Request{}, false
}

func isNotFound(shape *protocol.ErrorShape) bool {
	if shape.Code == protocol.CodeNotFound {
		return true
	}
	msg := strings.ToLower(shape.Message)
	return strings.Contains(msg, "unknown request") || strings.Contains(msg, "not found")
}
