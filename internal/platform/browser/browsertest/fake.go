// Package browsertest provides an in-process fake of the browser interfaces
// for exercising capture code without a real Chromium.
package browsertest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"screenshotter/internal/platform/browser"
)

var (
	ErrTargetClosed = errors.New("target page, context or browser has been closed")
	ErrLaunch       = errors.New("fake launch failure")
)

// PNG is a tiny payload returned for raster captures.
var PNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

// PDFDoc is returned for document captures.
var PDFDoc = []byte("%PDF-1.4\n%fake\n")

// Launcher creates fake browsers and records page concurrency.
type Launcher struct {
	// FailLaunches makes the next N Launch calls fail.
	FailLaunches atomic.Int64
	LaunchDelay  time.Duration

	// NavigateDelay is how long Navigate blocks before succeeding.
	NavigateDelay time.Duration
	// PDFDelay is how long PDF blocks unless the page is closed first.
	PDFDelay time.Duration
	// OnNavigate, when set, runs at the start of every Navigate.
	OnNavigate func(p *Page, url string) error
	// Matches maps a selector to how many elements it matches.
	Matches map[string]int

	launches atomic.Int64
	newPages atomic.Int64
	open     atomic.Int64
	maxOpen  atomic.Int64

	mu       sync.Mutex
	browsers []*Browser
}

func (l *Launcher) Launch() (browser.Browser, error) {
	if l.LaunchDelay > 0 {
		time.Sleep(l.LaunchDelay)
	}
	if l.FailLaunches.Load() > 0 {
		l.FailLaunches.Add(-1)
		return nil, ErrLaunch
	}
	l.launches.Add(1)
	b := &Browser{l: l}
	b.connected.Store(true)
	l.mu.Lock()
	l.browsers = append(l.browsers, b)
	l.mu.Unlock()
	return b, nil
}

// Launches is the number of successful launches.
func (l *Launcher) Launches() int { return int(l.launches.Load()) }

// PagesOpened is the number of pages ever created.
func (l *Launcher) PagesOpened() int { return int(l.newPages.Load()) }

// OpenPages is the number of pages currently open.
func (l *Launcher) OpenPages() int { return int(l.open.Load()) }

// MaxOpenPages is the highest number of simultaneously open pages observed.
func (l *Launcher) MaxOpenPages() int { return int(l.maxOpen.Load()) }

// Current returns the most recently launched browser, or nil.
func (l *Launcher) Current() *Browser {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.browsers) == 0 {
		return nil
	}
	return l.browsers[len(l.browsers)-1]
}

type Browser struct {
	l         *Launcher
	connected atomic.Bool
	closed    atomic.Bool
}

func (b *Browser) NewPage() (browser.Page, error) {
	if !b.connected.Load() {
		return nil, ErrTargetClosed
	}
	b.l.newPages.Add(1)
	n := b.l.open.Add(1)
	for {
		m := b.l.maxOpen.Load()
		if n <= m || b.l.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	return &Page{b: b, done: make(chan struct{})}, nil
}

func (b *Browser) IsConnected() bool { return b.connected.Load() }

func (b *Browser) Close() error {
	b.connected.Store(false)
	b.closed.Store(true)
	return nil
}

// Kill simulates the process dying underneath its pages.
func (b *Browser) Kill() { b.connected.Store(false) }

// Closed reports whether Close was called on this browser.
func (b *Browser) Closed() bool { return b.closed.Load() }

type Page struct {
	b    *Browser
	once sync.Once
	done chan struct{}

	mu       sync.Mutex
	Width    int
	Height   int
	Captured string
}

func (p *Page) Browser() *Browser { return p.b }

func (p *Page) alive() error {
	select {
	case <-p.done:
		return ErrTargetClosed
	default:
	}
	if !p.b.connected.Load() {
		return ErrTargetClosed
	}
	return nil
}

func (p *Page) SetViewport(width, height int) error {
	if err := p.alive(); err != nil {
		return err
	}
	p.mu.Lock()
	p.Width, p.Height = width, height
	p.mu.Unlock()
	return nil
}

func (p *Page) Navigate(url string, timeout, _ time.Duration) error {
	if err := p.alive(); err != nil {
		return err
	}
	if p.b.l.OnNavigate != nil {
		if err := p.b.l.OnNavigate(p, url); err != nil {
			return err
		}
	}
	if d := p.b.l.NavigateDelay; d > 0 {
		if timeout > 0 && d > timeout {
			select {
			case <-time.After(timeout):
				return fmt.Errorf("timeout %dms exceeded navigating to %s", timeout.Milliseconds(), url)
			case <-p.done:
				return ErrTargetClosed
			}
		}
		select {
		case <-time.After(d):
		case <-p.done:
			return ErrTargetClosed
		}
	}
	return p.alive()
}

func (p *Page) CountMatches(selector string) (int, error) {
	if err := p.alive(); err != nil {
		return 0, err
	}
	return p.b.l.Matches[selector], nil
}

func (p *Page) Screenshot(opts browser.ScreenshotOptions) ([]byte, error) {
	if err := p.alive(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.Captured = fmt.Sprintf("%s full=%v q=%d", opts.Format, opts.FullPage, opts.Quality)
	p.mu.Unlock()
	return append([]byte(nil), PNG...), nil
}

func (p *Page) ScreenshotElement(selector string, opts browser.ScreenshotOptions) ([]byte, error) {
	if err := p.alive(); err != nil {
		return nil, err
	}
	if p.b.l.Matches[selector] == 0 {
		return nil, fmt.Errorf("no element matches %q", selector)
	}
	p.mu.Lock()
	p.Captured = fmt.Sprintf("%s element=%s q=%d", opts.Format, selector, opts.Quality)
	p.mu.Unlock()
	return append([]byte(nil), PNG...), nil
}

func (p *Page) PDF() ([]byte, error) {
	if err := p.alive(); err != nil {
		return nil, err
	}
	if d := p.b.l.PDFDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-p.done:
			return nil, ErrTargetClosed
		}
	}
	p.mu.Lock()
	p.Captured = "pdf"
	p.mu.Unlock()
	return append([]byte(nil), PDFDoc...), nil
}

func (p *Page) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.b.l.open.Add(-1)
	})
	return nil
}
