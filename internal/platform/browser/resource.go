// Package browser owns the single shared headless browser process: launch,
// page acquisition, transparent relaunch after a crash, and shutdown.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"screenshotter/internal/logger"
	"screenshotter/internal/metrics"
)

// ErrResourceUnavailable means no browser process could be provided.
var ErrResourceUnavailable = errors.New("render resource unavailable")

// launchAttempts is how many consecutive launches Acquire tries before giving up.
const launchAttempts = 2

// ScreenshotOptions controls raster capture.
type ScreenshotOptions struct {
	Format   string // "png" or "jpeg"
	Quality  int    // jpeg only, 0 = engine default
	FullPage bool
	Timeout  time.Duration
}

// Page is one tab borrowed from the shared browser.
type Page interface {
	SetViewport(width, height int) error
	// Navigate loads url within timeout, then waits up to idle for the
	// network to settle. Only the navigation itself can fail.
	Navigate(url string, timeout, idle time.Duration) error
	CountMatches(selector string) (int, error)
	Screenshot(opts ScreenshotOptions) ([]byte, error)
	// ScreenshotElement captures the bounding box of the first match.
	ScreenshotElement(selector string, opts ScreenshotOptions) ([]byte, error)
	// PDF prints the page as A4. Playwright has no per-call timeout here; the
	// caller bounds it by closing the page.
	PDF() ([]byte, error)
	Close() error
}

// Browser is a live rendering-engine process.
type Browser interface {
	NewPage() (Page, error)
	IsConnected() bool
	Close() error
}

// Launcher starts a fresh Browser process.
type Launcher interface {
	Launch() (Browser, error)
}

// Resource guarantees at most one live Browser and hands out pages from it.
// Launch and relaunch happen under mu, so concurrent Acquire calls that find
// the process gone wait for a single relaunch instead of racing.
type Resource struct {
	launcher Launcher
	log      *logger.Logger

	mu      sync.Mutex
	browser Browser

	open     atomic.Int64
	launches atomic.Int64
}

func NewResource(l Launcher) *Resource {
	return &Resource{launcher: l, log: logger.New("RenderResource")}
}

// Acquire returns a new page, launching the browser first if none is connected.
func (r *Resource) Acquire(ctx context.Context) (Page, error) {
	b, err := r.ensure(ctx)
	if err != nil {
		return nil, err
	}
	p, err := b.NewPage()
	if err != nil {
		return nil, fmt.Errorf("%w: open page: %v", ErrResourceUnavailable, err)
	}
	metrics.SetOpenPages(int(r.open.Add(1)))
	return &trackedPage{Page: p, r: r}, nil
}

func (r *Resource) ensure(ctx context.Context) (Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		if r.browser.IsConnected() {
			return r.browser, nil
		}
		r.log.LogWarn("browser disconnected, relaunching")
		if err := r.browser.Close(); err != nil {
			r.log.LogDebugf("closing stale browser: %v", err)
		}
		r.browser = nil
	}

	var lastErr error
	for attempt := 1; attempt <= launchAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		b, err := r.launcher.Launch()
		if err == nil {
			r.browser = b
			r.launches.Add(1)
			metrics.IncBrowserLaunch("ok")
			r.log.LogInfof("browser launched in %v (attempt %d)", time.Since(start), attempt)
			return b, nil
		}
		lastErr = err
		metrics.IncBrowserLaunch("error")
		r.log.LogErrorf("browser launch attempt %d failed: %v", attempt, err)
	}
	return nil, fmt.Errorf("%w: launch failed %d times: %v", ErrResourceUnavailable, launchAttempts, lastErr)
}

// Shutdown closes the browser process. Calling it with no process is a no-op.
func (r *Resource) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == nil {
		return nil
	}
	err := r.browser.Close()
	r.browser = nil
	r.log.LogInfo("browser shut down")
	return err
}

// Connected reports whether a live process handle is held right now.
func (r *Resource) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.browser != nil && r.browser.IsConnected()
}

// OpenPages is the number of pages acquired and not yet closed.
func (r *Resource) OpenPages() int { return int(r.open.Load()) }

// Launches counts successful process launches since construction.
func (r *Resource) Launches() int { return int(r.launches.Load()) }

// HealthCheck fails only when a held process has died; a cold resource is healthy.
func (r *Resource) HealthCheck(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil && !r.browser.IsConnected() {
		return fmt.Errorf("browser process disconnected")
	}
	return nil
}

// trackedPage keeps the open-page count honest and makes Close idempotent.
type trackedPage struct {
	Page
	r    *Resource
	once sync.Once
	err  error
}

func (p *trackedPage) Close() error {
	p.once.Do(func() {
		p.err = p.Page.Close()
		metrics.SetOpenPages(int(p.r.open.Add(-1)))
	})
	return p.err
}
