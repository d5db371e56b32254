// ABOUTME: Gateway session: dials, performs the connect handshake, then demultiplexes inbound frames.
// ABOUTME: Responses go to the correlator; events, inbound requests and strays go to the event sink.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-node/internal/metrics"
	"github.com/2389/coven-node/internal/protocol"
)

// DefaultHandshakeTimeout bounds the whole handshake, including the wait for
// a challenge.
const DefaultHandshakeTimeout = 5 * time.Second

// DefaultChallengeWait is how long a device waits for connect.challenge
// before signing a nonce of its own.
const DefaultChallengeWait = 250 * time.Millisecond

// State is the lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingHandshakeResult
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshakeResult:
		return "awaiting_handshake_result"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DeviceSigner produces the device block of the connect request.
type DeviceSigner interface {
	DeviceID() string
	// Proof signs a nonce of the signer's choosing.
	Proof() (*protocol.DeviceProof, error)
	// ProofWithNonce signs a gateway-issued challenge nonce.
	ProofWithNonce(nonce string) (*protocol.DeviceProof, error)
}

// Config describes one session.
type Config struct {
	URL      string
	Token    string
	Client   protocol.ClientInfo
	Role     string
	Scopes   []string
	Caps     []string
	Commands []string
	Device   DeviceSigner
	// Inbound lists methods subscribed before the read loop starts, so
	// nothing sent right after the handshake is missed. See Session.Inbound.
	Inbound []string

	HandshakeTimeout time.Duration
	// ChallengeWait bounds the wait for connect.challenge when a Device is
	// set. Negative disables waiting.
	ChallengeWait  time.Duration
	RequestTimeout time.Duration
	EventBuffer    int

	Dialer  Dialer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Session is one authenticated connection to the gateway.
type Session struct {
	cfg        Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	transport  Transport
	correlator *Correlator
	events     *EventSink
	inbound    *Subscription

	state   atomic.Int32
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.RWMutex
	err       error
	hello     protocol.Hello
	challenge *protocol.Challenge
	// closed when the first connect.challenge arrives
	challenged chan struct{}
}

// Connect dials the gateway and completes the handshake. Any failure before
// the session is authenticated is returned as a *HandshakeError.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	cfg = withDefaults(cfg)
	s := newSession(cfg)

	s.setState(StateConnecting)
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	s.logger.Info("connecting to gateway", "url", cfg.URL, "role", cfg.Role)
	t, err := cfg.Dialer.Dial(ctx, cfg.URL, header)
	if err != nil {
		s.setState(StateClosed)
		return nil, &HandshakeError{Kind: HandshakeTransport, Err: err}
	}

	return s.start(ctx, t)
}

// ConnectTransport runs the handshake over an already open transport.
func ConnectTransport(ctx context.Context, cfg Config, t Transport) (*Session, error) {
	cfg = withDefaults(cfg)
	s := newSession(cfg)
	s.setState(StateConnecting)
	return s.start(ctx, t)
}

func withDefaults(cfg Config) Config {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ChallengeWait == 0 {
		cfg.ChallengeWait = DefaultChallengeWait
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebSocketDialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Role == "" {
		cfg.Role = protocol.RoleNode
	}
	return cfg
}

func newSession(cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger.With("component", "gateway_session")
	s := &Session{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		events:  NewEventSink(cfg.EventBuffer, logger, cfg.Metrics),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),

		challenged: make(chan struct{}),
	}
	if len(cfg.Inbound) > 0 {
		s.inbound = s.events.SubscribeQueue(s.rejectInbound, cfg.Inbound...)
	}
	s.correlator = NewCorrelator(CorrelatorConfig{
		Write:   s.writeFrame,
		Done:    s.done,
		Cause:   s.Err,
		Logger:  logger,
		Metrics: cfg.Metrics,
	})
	return s
}

func (s *Session) start(ctx context.Context, t Transport) (*Session, error) {
	s.transport = t
	s.setState(StateAwaitingHandshakeResult)
	go s.readLoop()

	if err := s.handshake(ctx); err != nil {
		s.shutdown(err)
		return nil, err
	}

	s.setState(StateAuthenticated)
	s.metrics.SetAuthenticated(true)
	s.logger.Info("=== SESSION AUTHENTICATED ===",
		"device_id", s.DeviceID(),
		"node_id", s.NodeID(),
		"role", s.cfg.Role,
		"protocol", protocol.ProtocolVersion,
	)
	return s, nil
}

func (s *Session) handshake(ctx context.Context) error {
	params := protocol.ConnectParams{
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Client:      s.cfg.Client,
		Auth:        protocol.AuthParams{Token: s.cfg.Token},
		Role:        s.cfg.Role,
		Scopes:      nonNil(s.cfg.Scopes),
		Caps:        s.cfg.Caps,
		Commands:    s.cfg.Commands,
	}
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if s.cfg.Device != nil {
		proof, err := s.deviceProof(ctx, deadline)
		if err != nil {
			return err
		}
		params.Device = proof
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return &HandshakeError{Kind: HandshakeTimeout, After: s.cfg.HandshakeTimeout, Err: ErrRequestTimeout}
	}

	p, err := s.correlator.Send(ctx, protocol.MethodConnect, params)
	if err != nil {
		return &HandshakeError{Kind: HandshakeTransport, Err: err}
	}

	res, err := s.correlator.Await(ctx, p, remaining)
	switch {
	case errors.Is(err, ErrRequestTimeout):
		return &HandshakeError{Kind: HandshakeTimeout, After: s.cfg.HandshakeTimeout, Err: err}
	case err != nil:
		return &HandshakeError{Kind: HandshakeTransport, Err: err}
	}

	if !res.OK {
		he := &HandshakeError{Kind: HandshakeRejected}
		if res.Error != nil {
			he.Code = res.Error.Code
			he.Message = res.Error.Message
			he.Details = res.Error.Details
		}
		s.logger.Error("gateway rejected handshake",
			"code", he.Code,
			"message", he.Message,
			"device_id", s.DeviceID(),
		)
		return he
	}

	var hello protocol.Hello
	if err := res.DecodePayload(&hello); err != nil {
		s.logger.Warn("unreadable hello payload", "error", err)
	}
	s.mu.Lock()
	s.hello = hello
	s.mu.Unlock()
	return nil
}

// deviceProof signs the gateway's challenge nonce when one arrives before
// ChallengeWait runs out, and a fresh nonce otherwise.
func (s *Session) deviceProof(ctx context.Context, deadline time.Time) (*protocol.DeviceProof, error) {
	if wait := min(s.cfg.ChallengeWait, time.Until(deadline)); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-s.challenged:
		case <-timer.C:
		case <-s.done:
			err := s.Err()
			if err == nil {
				err = ErrSessionClosed
			}
			return nil, &HandshakeError{Kind: HandshakeTransport, Err: err}
		case <-ctx.Done():
			return nil, &HandshakeError{Kind: HandshakeTransport, Err: ctx.Err()}
		}
	}

	var (
		proof *protocol.DeviceProof
		err   error
	)
	if ch := s.Challenge(); ch != nil && ch.Nonce != "" {
		proof, err = s.cfg.Device.ProofWithNonce(ch.Nonce)
	} else {
		s.logger.Debug("no connect challenge, signing own nonce")
		proof, err = s.cfg.Device.Proof()
	}
	if err != nil {
		return nil, &HandshakeError{Kind: HandshakeTransport, Err: fmt.Errorf("signing device proof: %w", err)}
	}
	return proof, nil
}

func (s *Session) readLoop() {
	for {
		data, err := s.transport.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("gateway connection lost", "error", err)
			}
			s.shutdown(fmt.Errorf("reading frame: %w", err))
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			s.logger.Error("protocol error, closing connection", "error", err)
			s.shutdown(err)
			return
		}
		s.route(frame)
	}
}

func (s *Session) route(f protocol.Frame) {
	if f.Type == protocol.FrameResponse {
		if s.correlator.Resolve(f.Response) {
			return
		}
		s.logger.Debug("response for unknown request", "request_id", f.Response.ID)
	}

	if f.Type == protocol.FrameEvent && f.Event.Method == protocol.EventConnectChallenge {
		var ch protocol.Challenge
		if err := json.Unmarshal(f.Event.Payload, &ch); err == nil {
			s.mu.Lock()
			if s.challenge == nil {
				close(s.challenged)
			}
			s.challenge = &ch
			s.mu.Unlock()
			s.logger.Debug("connect challenge received", "nonce", ch.Nonce)
		}
	}

	s.events.Publish(f)
}

// rejectInbound answers an inbound request or invocation event that did not
// fit the inbound queue, so the gateway gets an error instead of waiting out
// its own timeout.
func (s *Session) rejectInbound(f protocol.Frame) {
	busy := &protocol.ErrorShape{Code: protocol.CodeUnavailable, Message: "node busy: inbound queue full"}

	switch {
	case f.Type == protocol.FrameRequest && f.Request.ID != "":
		id := f.Request.ID
		s.logger.Warn("inbound queue full, rejecting request", "request_id", id, "method", f.Request.Method)
		go func() {
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
			defer cancel()
			if err := s.RespondError(ctx, id, busy); err != nil {
				s.logger.Debug("rejecting request failed", "request_id", id, "error", err)
			}
		}()

	case f.Type == protocol.FrameEvent && f.Event.Method == protocol.EventNodeInvokeRequest:
		var inv protocol.Invocation
		if err := json.Unmarshal(f.Event.Payload, &inv); err != nil || inv.ID == "" {
			return
		}
		nodeID := inv.NodeID
		if nodeID == "" {
			nodeID = s.NodeID()
		}
		s.logger.Warn("inbound queue full, rejecting invocation", "invocation_id", inv.ID, "command", inv.Command)
		go func() {
			_, err := s.Request(s.ctx, protocol.MethodNodeInvokeResult, protocol.InvokeResultParams{
				ID:     inv.ID,
				NodeID: nodeID,
				Error:  busy,
			})
			if err != nil {
				s.logger.Debug("rejecting invocation failed", "invocation_id", inv.ID, "error", err)
			}
		}()
	}
}

func (s *Session) writeFrame(ctx context.Context, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if err := s.transport.Write(ctx, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Request sends method and waits for its response up to Config.RequestTimeout.
func (s *Session) Request(ctx context.Context, method string, params any) (*protocol.Response, error) {
	p, err := s.correlator.Send(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return s.correlator.Await(ctx, p, s.cfg.RequestTimeout)
}

// Correlator exposes the request correlator for callers that manage their own deadlines.
func (s *Session) Correlator() *Correlator {
	return s.correlator
}

// Respond answers an inbound request frame.
func (s *Session) Respond(ctx context.Context, id string, payload any) error {
	f, err := protocol.NewResponse(id, payload)
	if err != nil {
		return err
	}
	return s.writeFrame(ctx, f)
}

// RespondError answers an inbound request frame with a failure.
func (s *Session) RespondError(ctx context.Context, id string, shape *protocol.ErrorShape) error {
	return s.writeFrame(ctx, protocol.NewErrorResponse(id, shape))
}

// Subscribe registers with the session's event sink.
func (s *Session) Subscribe(methods ...string) *Subscription {
	return s.events.Subscribe(methods...)
}

// Inbound returns the subscription for Config.Inbound, or nil when none was configured.
func (s *Session) Inbound() *Subscription {
	return s.inbound
}

// Hello returns the decoded handshake payload.
func (s *Session) Hello() protocol.Hello {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hello
}

// Challenge returns the last connect.challenge seen, if any.
func (s *Session) Challenge() *protocol.Challenge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.challenge
}

// DeviceID returns the device identity presented to the gateway, falling back
// to the one in the hello payload.
func (s *Session) DeviceID() string {
	if s.cfg.Device != nil {
		return s.cfg.Device.DeviceID()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hello.DeviceID
}

// NodeID returns the node id the gateway assigned, or the configured client id.
func (s *Session) NodeID() string {
	s.mu.RLock()
	id := s.hello.NodeID
	s.mu.RUnlock()
	if id != "" {
		return id
	}
	return s.cfg.Client.ID
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the session ended; nil while it is open.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Close ends the session. Pending requests resolve with ErrSessionClosed.
func (s *Session) Close() error {
	s.shutdown(ErrSessionClosed)
	return nil
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug("session state", "state", st.String())
}

func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = cause
		s.mu.Unlock()

		wasAuthenticated := s.State() == StateAuthenticated
		s.setState(StateClosed)
		s.cancel()
		if s.transport != nil {
			_ = s.transport.Close("session closed")
		}

		s.writeMu.Lock()
		close(s.done)
		s.writeMu.Unlock()

		s.events.Close()

		if wasAuthenticated {
			s.metrics.SetAuthenticated(false)
		}
		s.logger.Info("=== SESSION CLOSED ===", "reason", cause)
	})
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
