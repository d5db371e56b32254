// ABOUTME: In-memory gateway speaking the node wire protocol over coder/websocket, for tests and local runs.
// ABOUTME: Verifies device proofs, tracks pairing, and relays operator node.invoke calls to connected nodes.

package gatewaytest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/coven-node/internal/auth"
	"github.com/2389/coven-node/internal/protocol"
)

// Invocation forms the gateway can use to reach a node.
const (
	FormRequest = "request"
	FormEvent   = "event"
)

// Error codes only the gateway produces.
const (
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeUnknownMethod = "UNKNOWN_METHOD"
)

// ErrUnknownNode is returned by Invoke when no node with that id is connected.
var ErrUnknownNode = errors.New("unknown node")

// Options configures a Server.
type Options struct {
	// Token, when set, must match the connect auth token.
	Token string
	// JWT, when set, must verify the connect auth token.
	JWT *auth.JWTVerifier
	// RequirePairing rejects unpaired node devices with PAIRING_REQUIRED.
	RequirePairing bool
	// InvokeForm selects how node.invoke reaches the node. Defaults to FormRequest.
	InvokeForm string
	// InvokeTimeout bounds a relayed invocation. Defaults to 30s.
	InvokeTimeout time.Duration
	// Challenge sends a connect.challenge event before the handshake and
	// requires device proofs to sign its nonce.
	Challenge bool
	Version   string
	Logger    *slog.Logger
}

// PairRequest is a pending pairing request.
type PairRequest struct {
	RequestID   string `json:"requestId"`
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Role        string `json:"role,omitempty"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

type pairedDevice struct {
	DeviceID    string `json:"deviceId"`
	DisplayName string `json:"displayName,omitempty"`
}

type nodeEntry struct {
	NodeID      string   `json:"nodeId"`
	DeviceID    string   `json:"deviceId"`
	DisplayName string   `json:"displayName,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	Connected   bool     `json:"connected"`
	Commands    []string `json:"commands"`
}

// Server is a gateway. It implements http.Handler.
type Server struct {
	opts     Options
	logger   *slog.Logger
	verifier *auth.ProofVerifier
	url      string

	mu       sync.Mutex
	nodes    map[string]*conn
	paired   map[string]pairedDevice
	pending  []PairRequest
	connects []protocol.ConnectParams
	results  map[string]chan protocol.InvokeResultParams
	changed  chan struct{}
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.InvokeForm == "" {
		opts.InvokeForm = FormRequest
	}
	if opts.InvokeTimeout == 0 {
		opts.InvokeTimeout = 30 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "fake"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		opts:     opts,
		logger:   opts.Logger.With("component", "fake_gateway"),
		verifier: auth.NewProofVerifier(),
		nodes:    make(map[string]*conn),
		paired:   make(map[string]pairedDevice),
		results:  make(map[string]chan protocol.InvokeResultParams),
		changed:  make(chan struct{}),
	}
}

// Start serves a new Server on a loopback httptest server closed with the test.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()
	s := New(opts)
	ts := httptest.NewServer(s)
	s.url = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s
}

// URL is the WebSocket URL of a server created by Start.
func (s *Server) URL() string {
	return s.url
}

// Close disconnects every node and releases the proof verifier.
func (s *Server) Close() {
	s.mu.Lock()
	nodes := make([]*conn, 0, len(s.nodes))
	for _, c := range s.nodes {
		nodes = append(nodes, c)
	}
	s.mu.Unlock()
	for _, c := range nodes {
		c.close("gateway shutting down")
	}
	s.verifier.Close()
}

// ServeHTTP upgrades the request and serves one connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(16 << 20)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &conn{srv: s, ws: ws, ctx: ctx, cancel: cancel, pending: make(map[string]chan *protocol.Response)}
	defer c.close("connection done")

	if err := c.handshake(r); err != nil {
		s.logger.Info("handshake refused", "error", err)
		return
	}
	c.serve()
}

// Pair marks deviceID as paired.
func (s *Server) Pair(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairLocked(deviceID, "")
}

func (s *Server) pairLocked(deviceID, name string) {
	s.paired[deviceID] = pairedDevice{DeviceID: deviceID, DisplayName: name}
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.DeviceID != deviceID {
			kept = append(kept, p)
		}
	}
	s.pending = kept
}

// Pending returns a copy of the pending pairing requests.
func (s *Server) Pending() []PairRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PairRequest(nil), s.pending...)
}

// Connects returns every connect request seen, in order.
func (s *Server) Connects() []protocol.ConnectParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ConnectParams(nil), s.connects...)
}

// NodeIDs returns the ids of connected nodes, sorted.
func (s *Server) NodeIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WaitNode blocks until a node with id is connected.
func (s *Server) WaitNode(ctx context.Context, id string) error {
	for {
		s.mu.Lock()
		_, ok := s.nodes[id]
		changed := s.changed
		s.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for node %s: %w", id, ctx.Err())
		case <-changed:
		}
	}
}

// WaitPending blocks until at least one pairing request is pending.
func (s *Server) WaitPending(ctx context.Context) (PairRequest, error) {
	for {
		s.mu.Lock()
		var first *PairRequest
		if len(s.pending) > 0 {
			p := s.pending[0]
			first = &p
		}
		changed := s.changed
		s.mu.Unlock()
		if first != nil {
			return *first, nil
		}
		select {
		case <-ctx.Done():
			return PairRequest{}, fmt.Errorf("waiting for pairing request: %w", ctx.Err())
		case <-changed:
		}
	}
}

// Disconnect drops the node's connection, if any.
func (s *Server) Disconnect(nodeID string) bool {
	s.mu.Lock()
	c, ok := s.nodes[nodeID]
	s.mu.Unlock()
	if ok {
		c.close("kicked")
	}
	return ok
}

// Invoke routes a command to a connected node and returns the outer response
// an operator would receive.
func (s *Server) Invoke(ctx context.Context, inv protocol.Invocation) (*protocol.Response, error) {
	s.mu.Lock()
	c, ok := s.nodes[inv.NodeID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, inv.NodeID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.InvokeTimeout)
	defer cancel()

	if s.opts.InvokeForm == FormEvent {
		return s.invokeEvent(ctx, c, inv)
	}

	res, err := c.request(ctx, protocol.MethodNodeInvoke, inv)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Server) invokeEvent(ctx context.Context, c *conn, inv protocol.Invocation) (*protocol.Response, error) {
	inv.ID = uuid.NewString()
	if len(inv.Params) > 0 {
		inv.ParamsJSON = string(inv.Params)
		inv.Params = nil
	}

	ch := make(chan protocol.InvokeResultParams, 1)
	s.mu.Lock()
	s.results[inv.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.results, inv.ID)
		s.mu.Unlock()
	}()

	ev, err := protocol.NewEvent(protocol.EventNodeInvokeRequest, inv)
	if err != nil {
		return nil, err
	}
	if err := c.write(ctx, ev); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		payload, err := json.Marshal(protocol.CommandResult{OK: r.OK, Payload: r.Payload, Error: r.Error})
		if err != nil {
			return nil, err
		}
		return &protocol.Response{OK: true, Payload: payload}, nil
	}
}

func (s *Server) deliverResult(r protocol.InvokeResultParams) bool {
	s.mu.Lock()
	ch, ok := s.results[r.ID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- r:
	default:
	}
	return true
}

func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) register(c *conn) {
	s.mu.Lock()
	old := s.nodes[c.nodeID]
	s.nodes[c.nodeID] = c
	s.notifyLocked()
	s.mu.Unlock()
	if old != nil {
		old.close("replaced by a newer connection")
	}
	s.logger.Info("=== NODE CONNECTED ===", "node_id", c.nodeID, "commands", len(c.commands))
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[c.nodeID] == c {
		delete(s.nodes, c.nodeID)
		s.notifyLocked()
		s.logger.Info("=== NODE DISCONNECTED ===", "node_id", c.nodeID)
	}
}

// requestPairing records a pending request for deviceID unless one exists.
func (s *Server) requestPairing(deviceID string, p protocol.ConnectParams) PairRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.pending {
		if r.DeviceID == deviceID {
			return r
		}
	}
	r := PairRequest{
		RequestID:   uuid.NewString(),
		DeviceID:    deviceID,
		DisplayName: p.Client.DisplayName,
		Platform:    p.Client.Platform,
		Role:        p.Role,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	s.pending = append(s.pending, r)
	s.notifyLocked()
	s.logger.Info("pairing requested", "request_id", r.RequestID, "device_id", deviceID)
	return r
}

func (s *Server) resolvePairing(requestID string, approve bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.pending {
		if r.RequestID != requestID {
			continue
		}
		s.pending = append(s.pending[:i], s.pending[i+1:]...)
		if approve {
			s.paired[r.DeviceID] = pairedDevice{DeviceID: r.DeviceID, DisplayName: r.DisplayName}
		}
		s.notifyLocked()
		return true
	}
	return false
}

func (s *Server) isPaired(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.paired[deviceID]
	return ok
}

func (s *Server) nodeList() []nodeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]nodeEntry, 0, len(s.nodes))
	for _, c := range s.nodes {
		out = append(out, nodeEntry{
			NodeID:      c.nodeID,
			DeviceID:    c.deviceID,
			DisplayName: c.displayName,
			Platform:    c.platform,
			Connected:   true,
			Commands:    c.commands,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (s *Server) pairList() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	paired := make([]pairedDevice, 0, len(s.paired))
	for _, p := range s.paired {
		paired = append(paired, p)
	}
	sort.Slice(paired, func(i, j int) bool { return paired[i].DeviceID < paired[j].DeviceID })
	return map[string]any{
		"pending": append([]PairRequest{}, s.pending...),
		"paired":  paired,
	}
}

// checkToken validates the bearer credential.
func (s *Server) checkToken(token string) error {
	if s.opts.Token != "" && token != s.opts.Token {
		return errors.New("invalid gateway token")
	}
	if s.opts.JWT != nil {
		if _, err := s.opts.JWT.Verify(token); err != nil {
			return err
		}
	}
	return nil
}

// conn is one accepted WebSocket connection.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	role        string
	nodeID      string
	deviceID    string
	displayName string
	platform    string
	commands    []string

	writeMu   sync.Mutex
	mu        sync.Mutex
	pending   map[string]chan *protocol.Response
	closeOnce sync.Once
}

func (c *conn) read() (protocol.Frame, error) {
	var raw json.RawMessage
	if err := wsjson.Read(c.ctx, c.ws, &raw); err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Decode(raw)
}

func (c *conn) write(ctx context.Context, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, json.RawMessage(data))
}

func (c *conn) reply(id string, payload any) error {
	f, err := protocol.NewResponse(id, payload)
	if err != nil {
		return err
	}
	return c.write(c.ctx, f)
}

func (c *conn) fail(id, code, message string, details map[string]any) error {
	return c.write(c.ctx, protocol.NewErrorResponse(id, &protocol.ErrorShape{Code: code, Message: message, Details: details}))
}

func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		if c.nodeID != "" {
			c.srv.unregister(c)
		}
		c.cancel()
		_ = c.ws.Close(websocket.StatusNormalClosure, reason)
	})
}

func (c *conn) handshake(r *http.Request) error {
	nonce := ""
	if c.srv.opts.Challenge {
		nonce = uuid.NewString()
		ev, err := protocol.NewEvent(protocol.EventConnectChallenge, protocol.Challenge{Nonce: nonce, TS: time.Now().UnixMilli()})
		if err != nil {
			return err
		}
		if err := c.write(c.ctx, ev); err != nil {
			return err
		}
	}

	f, err := c.read()
	if err != nil {
		return fmt.Errorf("reading connect: %w", err)
	}
	if f.Type != protocol.FrameRequest || f.Request.Method != protocol.MethodConnect {
		return fmt.Errorf("first frame was %s %q, want connect", f.Type, f.Method())
	}
	req := f.Request

	var p protocol.ConnectParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		_ = c.fail(req.ID, protocol.CodeInvalidParams, "malformed connect params", nil)
		return err
	}
	c.srv.mu.Lock()
	c.srv.connects = append(c.srv.connects, p)
	c.srv.mu.Unlock()

	if p.MinProtocol > protocol.ProtocolVersion || p.MaxProtocol < protocol.ProtocolVersion {
		_ = c.fail(req.ID, protocol.CodeInvalidParams, "unsupported protocol", map[string]any{"protocol": protocol.ProtocolVersion})
		return errors.New("protocol mismatch")
	}

	token := p.Auth.Token
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if err := c.srv.checkToken(token); err != nil {
		_ = c.fail(req.ID, CodeUnauthorized, err.Error(), nil)
		return err
	}

	c.role = p.Role
	if p.Device != nil {
		if nonce != "" && p.Device.Nonce != nonce {
			_ = c.fail(req.ID, CodeUnauthorized, "device proof does not sign the connect challenge", nil)
			return errors.New("challenge nonce mismatch")
		}
		id, err := c.srv.verifier.Verify(p.Device)
		if err != nil {
			_ = c.fail(req.ID, CodeUnauthorized, err.Error(), nil)
			return err
		}
		c.deviceID = id
	}

	if c.role == protocol.RoleNode {
		if c.deviceID == "" {
			_ = c.fail(req.ID, protocol.CodeInvalidParams, "device identity required", nil)
			return errors.New("node without device proof")
		}
		if c.srv.opts.RequirePairing && !c.srv.isPaired(c.deviceID) {
			pr := c.srv.requestPairing(c.deviceID, p)
			_ = c.fail(req.ID, protocol.CodePairingRequired, "pairing required", map[string]any{
				"requestId": pr.RequestID,
				"deviceId":  c.deviceID,
			})
			return errors.New("pairing required")
		}
		c.nodeID = c.deviceID
		c.displayName = p.Client.DisplayName
		if c.displayName == "" {
			c.displayName = p.Client.ID
		}
		c.platform = p.Client.Platform
		c.commands = append([]string{}, p.Commands...)
	}

	hello := map[string]any{
		"type":     "hello-ok",
		"protocol": protocol.ProtocolVersion,
		"deviceId": c.deviceID,
		"server":   map[string]string{"version": c.srv.opts.Version, "connId": uuid.NewString()},
	}
	if c.nodeID != "" {
		hello["nodeId"] = c.nodeID
	}
	if err := c.reply(req.ID, hello); err != nil {
		return err
	}
	if c.nodeID != "" {
		c.srv.register(c)
	}
	return nil
}

func (c *conn) serve() {
	for {
		f, err := c.read()
		if err != nil {
			return
		}
		switch f.Type {
		case protocol.FrameResponse:
			c.resolve(f.Response)
		case protocol.FrameRequest:
			go c.handle(f.Request)
		}
	}
}

func (c *conn) request(ctx context.Context, method string, params any) (*protocol.Response, error) {
	id := uuid.NewString()
	f, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	ch := make(chan *protocol.Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, f); err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-c.ctx.Done():
		return nil, errors.New("node disconnected")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) resolve(res *protocol.Response) {
	c.mu.Lock()
	ch, ok := c.pending[res.ID]
	c.mu.Unlock()
	if ok {
		ch <- res
	}
}

func (c *conn) handle(req *protocol.Request) {
	var err error
	switch {
	case c.role == protocol.RoleNode && req.Method == protocol.MethodNodeInvokeResult:
		var r protocol.InvokeResultParams
		if e := json.Unmarshal(req.Params, &r); e != nil {
			err = c.fail(req.ID, protocol.CodeInvalidParams, e.Error(), nil)
			break
		}
		if !c.srv.deliverResult(r) {
			err = c.fail(req.ID, protocol.CodeNotFound, "unknown invocation", map[string]any{"id": r.ID})
			break
		}
		err = c.reply(req.ID, map[string]bool{"ok": true})
	case c.role == protocol.RoleOperator:
		err = c.handleOperator(req)
	default:
		err = c.fail(req.ID, CodeUnknownMethod, "unknown method "+req.Method, nil)
	}
	if err != nil {
		c.srv.logger.Debug("reply failed", "method", req.Method, "error", err)
	}
}

func (c *conn) handleOperator(req *protocol.Request) error {
	switch req.Method {
	case protocol.MethodNodeList:
		return c.reply(req.ID, map[string]any{"nodes": c.srv.nodeList()})
	case protocol.MethodPairList:
		return c.reply(req.ID, c.srv.pairList())
	case protocol.MethodPairApprove, protocol.MethodPairReject:
		var p struct {
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.RequestID == "" {
			return c.fail(req.ID, protocol.CodeInvalidParams, "requestId is required", nil)
		}
		if !c.srv.resolvePairing(p.RequestID, req.Method == protocol.MethodPairApprove) {
			return c.fail(req.ID, protocol.CodeNotFound, "unknown request", map[string]any{"requestId": p.RequestID})
		}
		return c.reply(req.ID, map[string]any{"requestId": p.RequestID})
	case protocol.MethodNodeInvoke:
		var inv protocol.Invocation
		if err := json.Unmarshal(req.Params, &inv); err != nil {
			return c.fail(req.ID, protocol.CodeInvalidParams, err.Error(), nil)
		}
		res, err := c.srv.Invoke(c.ctx, inv)
		switch {
		case errors.Is(err, ErrUnknownNode):
			return c.fail(req.ID, protocol.CodeNotFound, err.Error(), nil)
		case errors.Is(err, context.DeadlineExceeded):
			return c.fail(req.ID, protocol.CodeTimeout, "node did not answer in time", nil)
		case err != nil:
			return c.fail(req.ID, protocol.CodeUnavailable, err.Error(), nil)
		}
		if !res.OK {
			return c.write(c.ctx, protocol.NewErrorResponse(req.ID, res.Error))
		}
		return c.reply(req.ID, res.Payload)
	default:
		return c.fail(req.ID, CodeUnknownMethod, "unknown method "+req.Method, nil)
	}
}
