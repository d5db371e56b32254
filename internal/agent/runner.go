// ABOUTME: Node runner: takes the ownership lock, keeps a gateway session alive, and serves invocations.
// ABOUTME: Transport loss reconnects with backoff; pairing rejections retry; other handshake failures are fatal.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-node/internal/auth"
	"github.com/2389/coven-node/internal/dispatch"
	"github.com/2389/coven-node/internal/gateway"
	"github.com/2389/coven-node/internal/instance"
	"github.com/2389/coven-node/internal/metrics"
	"github.com/2389/coven-node/internal/protocol"
)

const (
	DefaultReconnectMin = time.Second
	DefaultReconnectMax = 30 * time.Second
	DefaultPairingRetry = 10 * time.Second

	// tokenExpiryWarning is how far ahead an expiring token is reported.
	tokenExpiryWarning = 24 * time.Hour
)

// StatusReporter is told whether the node is authenticated.
type StatusReporter interface {
	SetServing(ok bool)
}

// Config configures a Runner.
type Config struct {
	// Session is the template for every dial. Commands is filled from the
	// dispatcher's registry.
	Session    gateway.Config
	Dispatcher *dispatch.Dispatcher
	Arbiter    *instance.Arbiter // optional; nil when the caller already owns the node
	Role       instance.Role
	Status     StatusReporter // optional

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PairingRetry time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// OnSession, if set, is called after each successful handshake.
	OnSession func(*gateway.Session)
}

// Runner keeps the node connected.
type Runner struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	session *gateway.Session
}

// New creates a Runner.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Role == "" {
		cfg.Role = instance.RoleRunner
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	if cfg.PairingRetry <= 0 {
		cfg.PairingRetry = DefaultPairingRetry
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}
	if cfg.Session.Metrics == nil {
		cfg.Session.Metrics = cfg.Metrics
	}
	return &Runner{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "runner"),
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// Run owns the node until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.Dispatcher == nil {
		return errors.New("runner requires a dispatcher")
	}
	if r.cfg.Arbiter != nil {
		lock, err := r.cfg.Arbiter.Acquire(instance.DomainNodeOwner, r.cfg.Role)
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()
	}

	r.checkToken()
	if d := r.cfg.Session.Device; d != nil {
		r.logger.Info("node identity", "device_id", d.DeviceID())
	}

	b := newBackoff(r.cfg.ReconnectMin, r.cfg.ReconnectMax)
	for {
		sess, err := r.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait, fatal := r.classify(err, b)
			if fatal != nil {
				return fatal
			}
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		b.Reset()
		r.serve(ctx, sess)
		if ctx.Err() != nil {
			return nil
		}

		r.metrics.Reconnect("connection_lost")
		wait := b.Next()
		r.logger.Warn("gateway session ended, reconnecting",
			"error", sess.Err(),
			"retry_in", wait,
		)
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (r *Runner) connect(ctx context.Context) (*gateway.Session, error) {
	cfg := r.cfg.Session
	cfg.Commands = r.cfg.Dispatcher.Registry().Names()
	cfg.Inbound = []string{protocol.MethodNodeInvoke, protocol.EventNodeInvokeRequest}
	return gateway.Connect(ctx, cfg)
}

// classify decides how long to wait after a failed handshake, or returns a
// fatal error.
func (r *Runner) classify(err error, b *backoff) (time.Duration, error) {
	var he *gateway.HandshakeError
	if !errors.As(err, &he) {
		r.metrics.Reconnect("dial_failed")
		wait := b.Next()
		r.logger.Warn("gateway connect failed", "error", err, "retry_in", wait)
		return wait, nil
	}

	switch {
	case he.PairingRequired():
		r.metrics.Reconnect("pairing_required")
		attrs := []any{"retry_in", r.cfg.PairingRetry}
		if d := r.cfg.Session.Device; d != nil {
			attrs = append(attrs, "device_id", d.DeviceID())
		}
		if id, ok := he.Details["requestId"].(string); ok {
			attrs = append(attrs, "request_id", id)
		}
		r.logger.Warn("=== PAIRING REQUIRED ===", attrs...)
		return r.cfg.PairingRetry, nil
	case he.Kind == gateway.HandshakeRejected:
		return 0, fmt.Errorf("gateway refused node: %w", err)
	case he.Kind == gateway.HandshakeTimeout:
		return 0, err
	default:
		r.metrics.Reconnect(he.Kind.String())
		wait := b.Next()
		r.logger.Warn("gateway handshake failed", "error", err, "retry_in", wait)
		return wait, nil
	}
}

func (r *Runner) serve(ctx context.Context, sess *gateway.Session) {
	sub := sess.Inbound()
	defer sub.Close()

	r.setSession(sess)
	defer r.setSession(nil)
	if r.cfg.OnSession != nil {
		r.cfg.OnSession(sess)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	r.cfg.Dispatcher.Run(runCtx, sess, sub.C)
	_ = sess.Close()
}

func (r *Runner) setSession(s *gateway.Session) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
	if r.cfg.Status != nil {
		r.cfg.Status.SetServing(s != nil)
	}
}

// Session returns the live session, or nil while disconnected.
func (r *Runner) Session() *gateway.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.session
}

// NodeID is the id the gateway knows this node by, falling back to the
// configured client id while disconnected.
func (r *Runner) NodeID() string {
	if s := r.Session(); s != nil {
		return s.NodeID()
	}
	return r.cfg.Session.Client.ID
}

// Ready reports readiness for the metrics health endpoint.
func (r *Runner) Ready() (bool, string) {
	if s := r.Session(); s != nil && s.State() == gateway.StateAuthenticated {
		return true, "authenticated"
	}
	return false, "not connected to gateway"
}

func (r *Runner) checkToken() {
	token := r.cfg.Session.Token
	if token == "" {
		return
	}
	info, err := auth.InspectToken(token)
	if err != nil {
		return
	}
	now := r.now()
	switch {
	case info.Expired(now):
		r.logger.Warn("gateway token has expired", "expired_at", info.ExpiresAt, "subject", info.Subject)
	case !info.ExpiresAt.IsZero() && info.ExpiresAt.Sub(now) < tokenExpiryWarning:
		r.logger.Warn("gateway token expires soon", "expires_at", info.ExpiresAt, "subject", info.Subject)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
