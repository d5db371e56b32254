// ABOUTME: Wires the node from config: identity, approval gate, ledger, builtin packs, dispatcher and runner.
// ABOUTME: Optional metrics and status servers run alongside the runner and stop with it.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/2389/coven-node/internal/agent"
	"github.com/2389/coven-node/internal/approval"
	"github.com/2389/coven-node/internal/auth"
	"github.com/2389/coven-node/internal/builtins"
	"github.com/2389/coven-node/internal/canvas"
	"github.com/2389/coven-node/internal/config"
	"github.com/2389/coven-node/internal/dedupe"
	"github.com/2389/coven-node/internal/dispatch"
	"github.com/2389/coven-node/internal/gateway"
	"github.com/2389/coven-node/internal/instance"
	"github.com/2389/coven-node/internal/metrics"
	"github.com/2389/coven-node/internal/process"
	"github.com/2389/coven-node/internal/protocol"
	"github.com/2389/coven-node/internal/status"
	"github.com/2389/coven-node/internal/store"
)

const (
	idempotencyWindow = 10 * time.Minute
	idempotencyKeys   = 10000
	shutdownGrace     = 5 * time.Second
)

type node struct {
	cfg      *config.Config
	logger   *slog.Logger
	identity *auth.Identity
	metrics  *metrics.Metrics
	ledger   *store.SQLiteStore
	dedupe   *dedupe.Cache
	procs    *process.Manager
	canvas   *canvas.Controller
	status   *status.Server
	runner   *agent.Runner
}

// newNode builds every component. The caller already owns the node; nothing
// touches the network until run.
func newNode(cfg *config.Config, role instance.Role, logger *slog.Logger) (*node, error) {
	n := &node{cfg: cfg, logger: logger, metrics: metrics.New()}

	var err error
	n.identity, err = auth.LoadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		return nil, err
	}

	policyStore, err := approval.NewFileStore(cfg.ExecApprovalsPath)
	if err != nil {
		return nil, err
	}
	policy, err := policyStore.LoadOrDefault(approval.DefaultPolicy())
	if err != nil {
		return nil, err
	}
	gate := approval.NewGate(approval.GateConfig{
		Policy:  policy,
		Store:   policyStore,
		Logger:  logger,
		Metrics: n.metrics,
	})

	n.ledger, err = store.NewSQLiteStore(cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	n.dedupe = dedupe.New(idempotencyWindow, idempotencyKeys)
	n.procs = process.NewManager(process.Config{
		Logger:    logger,
		Metrics:   n.metrics,
		Retention: cfg.Timeouts.ProcessRetention,
	})

	deps := builtins.Deps{
		Processes: n.procs,
		Audit:     n.ledger,
		Logger:    logger,
	}
	if cfg.SystemEnabled {
		deps.Policies = gate
	}
	if cfg.CanvasEnabled {
		n.canvas, err = canvas.New(cfg.CanvasBackend, cfg.CanvasHome, cfg.CanvasHeadless, logger)
		if err != nil {
			n.Close()
			return nil, err
		}
		deps.Canvas = n.canvas
	}

	reg := dispatch.NewRegistry(logger)
	if err := builtins.RegisterAll(reg, deps); err != nil {
		n.Close()
		return nil, err
	}

	disp := dispatch.New(dispatch.Config{
		Registry: reg,
		Gate:     gate,
		Ledger:   n.ledger,
		Dedupe:   n.dedupe,
		Logger:   logger,
		Metrics:  n.metrics,
		NodeID:   func() string { return n.runner.NodeID() },
	})

	endpoint, err := cfg.GatewayEndpoint()
	if err != nil {
		n.Close()
		return nil, err
	}

	if cfg.Status.Enabled {
		n.status = status.NewServer(logger)
	}

	rcfg := agent.Config{
		Session: gateway.Config{
			URL:   endpoint,
			Token: cfg.GatewayToken,
			Client: protocol.ClientInfo{
				ID:          cfg.NodeID,
				DisplayName: cfg.DisplayName,
				Version:     version,
				Platform:    runtime.GOOS,
				Mode:        string(role),
			},
			Role:             protocol.RoleNode,
			Caps:             reg.Packs(),
			Device:           n.identity,
			HandshakeTimeout: cfg.Timeouts.Handshake,
			RequestTimeout:   cfg.Timeouts.Request,
		},
		Dispatcher:   disp,
		Role:         role,
		ReconnectMin: cfg.Timeouts.ReconnectMin,
		ReconnectMax: cfg.Timeouts.ReconnectMax,
		PairingRetry: cfg.Timeouts.PairingRetry,
		Logger:       logger,
		Metrics:      n.metrics,
	}
	if n.status != nil {
		rcfg.Status = n.status
	}
	n.runner = agent.New(rcfg)
	return n, nil
}

// run serves until ctx is done or a component fails.
func (n *node) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	servers := 0
	if n.cfg.Metrics.Enabled {
		servers++
		go func() {
			errCh <- n.metrics.Serve(ctx, n.cfg.Metrics.Addr, n.runner.Ready, n.logger)
		}()
	}
	if n.status != nil {
		servers++
		go func() {
			errCh <- n.status.Serve(ctx, n.cfg.Status.Addr)
		}()
	}

	runErr := make(chan error, 1)
	go func() { runErr <- n.runner.Run(ctx) }()

	var err error
	select {
	case err = <-runErr:
		cancel()
	case err = <-errCh:
		servers--
		cancel()
		if rerr := <-runErr; err == nil {
			err = rerr
		}
	}
	for ; servers > 0; servers-- {
		if serr := <-errCh; err == nil {
			err = serr
		}
	}
	return err
}

// Close releases everything newNode opened.
func (n *node) Close() {
	if n.procs != nil {
		n.procs.Shutdown(shutdownGrace)
	}
	if n.canvas != nil {
		if err := n.canvas.Close(); err != nil {
			n.logger.Warn("closing canvas", "error", err)
		}
	}
	if n.dedupe != nil {
		n.dedupe.Close()
	}
	if n.ledger != nil {
		if err := n.ledger.Close(); err != nil {
			n.logger.Warn("closing ledger", "error", err)
		}
	}
}
