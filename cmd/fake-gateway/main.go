// ABOUTME: Standalone fake gateway for trying coven-node locally without a real gateway.
// ABOUTME: Serves the in-memory gateway on /ws and logs pairing requests for manual approval.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-node/internal/auth"
	"github.com/2389/coven-node/internal/gatewaytest"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:18789", "listen address")
	token := flag.String("token", "", "required gateway token")
	jwtSecret := flag.String("jwt-secret", "", "verify tokens as HS256 JWTs signed with this secret")
	pair := flag.Bool("require-pairing", false, "reject unpaired nodes with PAIRING_REQUIRED")
	form := flag.String("invoke-form", gatewaytest.FormRequest, "how invocations reach nodes: request or event")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	opts := gatewaytest.Options{
		Token:          *token,
		RequirePairing: *pair,
		InvokeForm:     *form,
		Challenge:      true,
		Version:        "fake-gateway",
		Logger:         logger,
	}
	if *jwtSecret != "" {
		v := auth.NewJWTVerifier([]byte(*jwtSecret))
		opts.JWT = v
		tok, err := v.Generate("coven-node", 24*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		color.New(color.FgYellow).Printf("token: %s\n", tok)
	}

	gw := gatewaytest.New(opts)
	defer gw.Close()

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	color.New(color.FgCyan).Printf("fake gateway listening on ws://%s/ws\n", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
