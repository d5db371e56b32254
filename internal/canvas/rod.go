// ABOUTME: Chrome canvas backend driven over the DevTools protocol with go-rod.
// ABOUTME: The browser is launched lazily on first show and one page is reused until hidden.

package canvas

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodConfig configures a RodBackend.
type RodConfig struct {
	Headless bool
	// Bin overrides the browser binary; empty uses the launcher's lookup.
	Bin string
}

// RodBackend shows the canvas in a Chrome-family browser.
type RodBackend struct {
	cfg RodConfig

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

// NewRodBackend creates a backend; no browser starts until Show.
func NewRodBackend(cfg RodConfig) *RodBackend {
	return &RodBackend{cfg: cfg}
}

func (r *RodBackend) ensureBrowser(ctx context.Context) error {
	if r.browser != nil {
		return nil
	}
	l := launcher.New().Headless(r.cfg.Headless).Leakless(false)
	if r.cfg.Bin != "" {
		l = l.Bin(r.cfg.Bin)
	}
	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		return fmt.Errorf("launching browser: %w", err)
	}
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("connecting to browser: %w", err)
	}
	r.launcher = l
	r.browser = b
	return nil
}

func (r *RodBackend) Show(ctx context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureBrowser(ctx); err != nil {
		return err
	}
	if r.page == nil {
		if url == "" {
			url = "about:blank"
		}
		page, err := r.browser.Page(proto.TargetCreateTarget{URL: url})
		if err != nil {
			return fmt.Errorf("opening page: %w", err)
		}
		r.page = page
		return page.Context(ctx).WaitLoad()
	}
	if url == "" {
		return nil
	}
	return r.page.Context(ctx).Navigate(url)
}

func (r *RodBackend) Navigate(ctx context.Context, url string) error {
	r.mu.Lock()
	page := r.page
	r.mu.Unlock()

	if page == nil {
		return r.Show(ctx, url)
	}
	p := page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (r *RodBackend) Hide(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.page == nil {
		return nil
	}
	err := r.page.Close()
	r.page = nil
	return err
}

func (r *RodBackend) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
		r.page = nil
	}
	if r.launcher != nil {
		r.launcher.Kill()
		r.launcher = nil
	}
	return err
}
