// ABOUTME: Tracks spawned child processes by id with non-blocking poll snapshots.
// ABOUTME: A terminal handle is reaped only after a poll reported it and the retention window passed.

package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-node/internal/metrics"
)

// DefaultRetention is how long a terminal handle stays after it was first polled.
const DefaultRetention = 5 * time.Minute

var (
	// ErrNotFound indicates no process with that id is tracked.
	ErrNotFound = errors.New("process not found")
	// ErrEmptyCommand indicates spawn was called without an executable.
	ErrEmptyCommand = errors.New("command is empty")
)

// State of a managed process.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateFailed  State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateExited || s == StateFailed
}

// Status is a point-in-time snapshot of one process.
type Status struct {
	ID        string     `json:"processId"`
	Command   []string   `json:"command"`
	Cwd       string     `json:"cwd,omitempty"`
	PID       int        `json:"pid,omitempty"`
	State     State      `json:"state"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Stdout    string     `json:"stdout"`
	Stderr    string     `json:"stderr"`
	Truncated bool       `json:"truncated,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// Summary is the list view of a process.
type Summary struct {
	ID        string     `json:"processId"`
	Command   []string   `json:"command"`
	State     State      `json:"state"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

type handle struct {
	id        string
	command   []string
	cwd       string
	cmd       *exec.Cmd
	stdout    *tailBuffer
	stderr    *tailBuffer
	startedAt time.Time
	done      chan struct{}

	// guarded by Manager.mu
	state      State
	exitCode   *int
	reason     string
	endedAt    *time.Time
	observedAt time.Time
}

// Config configures a Manager.
type Config struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	BufferSize int
	Retention  time.Duration
}

// Manager owns every process spawned through process.spawn.
type Manager struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	bufferSize int
	retention  time.Duration
	now        func() time.Time

	mu    sync.Mutex
	procs map[string]*handle
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		bufferSize: cfg.BufferSize,
		retention:  cfg.Retention,
		now:        time.Now,
		procs:      make(map[string]*handle),
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.bufferSize <= 0 {
		m.bufferSize = DefaultBufferSize
	}
	if m.retention <= 0 {
		m.retention = DefaultRetention
	}
	return m
}

// Spawn starts argv in cwd and returns as soon as the OS process exists.
func (m *Manager) Spawn(argv []string, cwd string) (string, error) {
	if len(argv) == 0 || argv[0] == "" {
		return "", ErrEmptyCommand
	}

	h := &handle{
		id:      "proc-" + uuid.NewString(),
		command: append([]string(nil), argv...),
		cwd:     cwd,
		stdout:  newTailBuffer(m.bufferSize),
		stderr:  newTailBuffer(m.bufferSize),
		done:    make(chan struct{}),
		state:   StateRunning,
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr
	cmd.WaitDelay = time.Second
	h.cmd = cmd

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("starting %s: %w", argv[0], err)
	}
	h.startedAt = m.now()

	m.mu.Lock()
	m.reapLocked()
	m.procs[h.id] = h
	m.metrics.SetProcessesRunning(m.runningLocked())
	m.mu.Unlock()

	m.logger.Info("process spawned",
		"process_id", h.id,
		"pid", cmd.Process.Pid,
		"command", argv[0],
		"cwd", cwd,
	)

	go m.wait(h)
	return h.id, nil
}

func (m *Manager) wait(h *handle) {
	err := h.cmd.Wait()
	ended := m.now()

	m.mu.Lock()
	h.endedAt = &ended
	code := h.cmd.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	switch {
	case err == nil || (errors.As(err, &exitErr) && code >= 0):
		h.state = StateExited
		h.exitCode = &code
	default:
		h.state = StateFailed
		h.reason = err.Error()
	}
	m.metrics.SetProcessesRunning(m.runningLocked())
	m.mu.Unlock()
	close(h.done)

	m.logger.Info("process ended",
		"process_id", h.id,
		"state", h.state,
		"exit_code", code,
		"reason", h.reason,
	)
}

// Poll returns the latest observed state without waiting for the process.
func (m *Manager) Poll(id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.procs[id]
	if !ok {
		return Status{}, ErrNotFound
	}
	if h.state.Terminal() && h.observedAt.IsZero() {
		h.observedAt = m.now()
	}
	return h.snapshotLocked(), nil
}

// List summarizes every tracked process, oldest first. Listing does not count
// as observing a terminal state.
func (m *Manager) List() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reapLocked()
	out := make([]Summary, 0, len(m.procs))
	for _, h := range m.procs {
		out = append(out, Summary{
			ID:        h.id,
			Command:   h.command,
			State:     h.state,
			ExitCode:  h.exitCode,
			StartedAt: h.startedAt,
			EndedAt:   h.endedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Kill signals a running process and waits up to grace for it to end.
func (m *Manager) Kill(id string, grace time.Duration) (Status, error) {
	m.mu.Lock()
	h, ok := m.procs[id]
	if !ok {
		m.mu.Unlock()
		return Status{}, ErrNotFound
	}
	running := h.state == StateRunning
	m.mu.Unlock()

	if running {
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return Status{}, fmt.Errorf("killing %s: %w", id, err)
		}
		m.logger.Info("process kill requested", "process_id", id)
		select {
		case <-h.done:
		case <-time.After(grace):
		}
	}
	return m.Poll(id)
}

// Reap drops terminal handles that were polled at least retention ago.
func (m *Manager) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reapLocked()
}

// Shutdown kills every running process and waits for them to end.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	var waiting []*handle
	for _, h := range m.procs {
		if h.state == StateRunning {
			_ = h.cmd.Process.Kill()
			waiting = append(waiting, h)
		}
	}
	m.mu.Unlock()

	deadline := time.After(grace)
	for _, h := range waiting {
		select {
		case <-h.done:
		case <-deadline:
			m.logger.Warn("processes still running at shutdown", "count", len(waiting))
			return
		}
	}
}

func (m *Manager) reapLocked() int {
	now := m.now()
	reaped := 0
	for id, h := range m.procs {
		if !h.state.Terminal() || h.observedAt.IsZero() {
			continue
		}
		if now.Sub(h.observedAt) >= m.retention {
			delete(m.procs, id)
			reaped++
		}
	}
	if reaped > 0 {
		m.logger.Debug("reaped processes", "count", reaped)
	}
	return reaped
}

func (m *Manager) runningLocked() int {
	n := 0
	for _, h := range m.procs {
		if h.state == StateRunning {
			n++
		}
	}
	return n
}

func (h *handle) snapshotLocked() Status {
	st := Status{
		ID:        h.id,
		Command:   h.command,
		Cwd:       h.cwd,
		State:     h.state,
		ExitCode:  h.exitCode,
		Reason:    h.reason,
		Stdout:    h.stdout.String(),
		Stderr:    h.stderr.String(),
		Truncated: h.stdout.Truncated() || h.stderr.Truncated(),
		StartedAt: h.startedAt,
		EndedAt:   h.endedAt,
	}
	if h.cmd.Process != nil {
		st.PID = h.cmd.Process.Pid
	}
	return st
}
