// ABOUTME: Tests for the status server and probe over a real loopback gRPC connection.
// ABOUTME: Watch must report the first state and each later change exactly once.

package status

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.ServeListener(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s, ln.Addr().String()
}

func probe(t *testing.T, addr string) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, _ := Probe(ctx, addr)
	return st
}

func TestProbe(t *testing.T) {
	s, addr := startServer(t)
	assert.Equal(t, StateNotServing, probe(t, addr))

	s.SetServing(true)
	assert.Equal(t, StateServing, probe(t, addr))

	s.SetServing(false)
	assert.Equal(t, StateNotServing, probe(t, addr))
}

func TestProbeUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := Probe(ctx, addr)
	assert.Error(t, err)
	assert.Equal(t, StateUnreachable, st)
}

func TestWatch(t *testing.T) {
	s, addr := startServer(t)

	var mu sync.Mutex
	var seen []State
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, addr, 20*time.Millisecond, func(st State) {
			mu.Lock()
			seen = append(seen, st)
			mu.Unlock()
		})
	}()

	waitFor := func(n int) {
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) >= n
		}, 3*time.Second, 10*time.Millisecond)
	}

	waitFor(1)
	s.SetServing(true)
	waitFor(2)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateNotServing, StateServing}, seen[:2])
}
