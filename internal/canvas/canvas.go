// ABOUTME: Canvas controller shared by the canvas.* commands: present, navigate, hide.
// ABOUTME: Serializes calls to a Backend and tracks whether the canvas is visible and where.

package canvas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
)

// Backend names accepted by config.
const (
	BackendChrome = "chrome"
	BackendNone   = "none"
)

var (
	// ErrInvalidURL indicates a URL the canvas refuses to load.
	ErrInvalidURL = errors.New("invalid canvas url")
	// ErrUnknownBackend indicates an unrecognized backend name.
	ErrUnknownBackend = errors.New("unknown canvas backend")
)

// Backend drives the actual surface.
type Backend interface {
	Show(ctx context.Context, url string) error
	Navigate(ctx context.Context, url string) error
	Hide(ctx context.Context) error
	Close() error
}

// State is what the canvas currently shows.
type State struct {
	Visible bool   `json:"visible"`
	URL     string `json:"url,omitempty"`
}

// Controller owns one canvas.
type Controller struct {
	mu      sync.Mutex
	backend Backend
	state   State
	home    string
	logger  *slog.Logger
}

// NewController wraps backend. home is shown by Present when no URL is given.
func NewController(backend Backend, home string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{backend: backend, home: home, logger: logger.With("component", "canvas")}
}

// New builds a controller for the named backend. An empty name is none.
func New(name, home string, headless bool, logger *slog.Logger) (*Controller, error) {
	switch name {
	case BackendChrome:
		return NewController(NewRodBackend(RodConfig{Headless: headless}), home, logger), nil
	case BackendNone, "":
		return NewController(&NullBackend{}, home, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

// Present makes the canvas visible, loading target or the home page.
func (c *Controller) Present(ctx context.Context, target string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if target == "" {
		target = c.state.URL
	}
	if target == "" {
		target = c.home
	}
	if target != "" {
		if err := validateURL(target); err != nil {
			return c.state, err
		}
	}
	if err := c.backend.Show(ctx, target); err != nil {
		return c.state, fmt.Errorf("presenting canvas: %w", err)
	}
	c.state = State{Visible: true, URL: target}
	c.logger.Info("canvas presented", "url", target)
	return c.state, nil
}

// Navigate loads target, presenting the canvas first if it is hidden.
func (c *Controller) Navigate(ctx context.Context, target string) (State, error) {
	if err := validateURL(target); err != nil {
		return c.State(), err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.state.Visible {
		err = c.backend.Navigate(ctx, target)
	} else {
		err = c.backend.Show(ctx, target)
	}
	if err != nil {
		return c.state, fmt.Errorf("navigating canvas: %w", err)
	}
	c.state = State{Visible: true, URL: target}
	c.logger.Info("canvas navigated", "url", target)
	return c.state, nil
}

// Hide hides the canvas. Hiding a hidden canvas is not an error.
func (c *Controller) Hide(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Visible {
		return c.state, nil
	}
	if err := c.backend.Hide(ctx); err != nil {
		return c.state, fmt.Errorf("hiding canvas: %w", err)
	}
	c.state.Visible = false
	c.logger.Info("canvas hidden")
	return c.state, nil
}

// State returns the current canvas state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close releases the backend.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend.Close()
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
		}
	case "file", "about", "data":
	default:
		return fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidURL, raw)
	}
	return nil
}

// NullBackend tracks calls without rendering anything.
type NullBackend struct {
	mu    sync.Mutex
	calls []string
}

func (n *NullBackend) record(call string) {
	n.mu.Lock()
	n.calls = append(n.calls, call)
	n.mu.Unlock()
}

func (n *NullBackend) Show(_ context.Context, url string) error {
	n.record("show " + url)
	return nil
}

func (n *NullBackend) Navigate(_ context.Context, url string) error {
	n.record("navigate " + url)
	return nil
}

func (n *NullBackend) Hide(context.Context) error {
	n.record("hide")
	return nil
}

func (n *NullBackend) Close() error { return nil }

// Calls returns the recorded call log.
func (n *NullBackend) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}
