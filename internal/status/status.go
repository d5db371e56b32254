// ABOUTME: Local gRPC health endpoint reporting whether the node's gateway session is authenticated.
// ABOUTME: The tray helper probes it to show node state without owning the node identity.

package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Service is the health service name the node reports under.
const Service = "coven.node"

// Server serves the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewServer creates a Server reporting NOT_SERVING until SetServing(true).
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{grpc: gs, health: hs, logger: logger.With("component", "status")}
}

// SetServing reports whether the node is authenticated to its gateway.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(Service, st)
	s.health.SetServingStatus("", st)
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is done.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", ln.Addr().String())
		errCh <- s.grpc.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	}
}

// State is what a probe observed.
type State string

const (
	StateServing     State = "serving"
	StateNotServing  State = "not_serving"
	StateUnreachable State = "unreachable"
)

// Probe asks the node at addr for its health.
func Probe(ctx context.Context, addr string) (State, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return StateUnreachable, fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	res, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: Service})
	if err != nil {
		return StateUnreachable, err
	}
	if res.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		return StateServing, nil
	}
	return StateNotServing, nil
}

// Watch probes addr every interval and calls onChange when the state changes,
// including once for the first observation. It returns when ctx is done.
func Watch(ctx context.Context, addr string, interval time.Duration, onChange func(State)) {
	last := State("")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		st, _ := Probe(probeCtx, addr)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if st != last {
			onChange(st)
			last = st
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
