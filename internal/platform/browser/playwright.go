package browser

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/playwright-community/playwright-go"
)

// DefaultArgs match the container constraints of the deployment: no sandbox,
// no GPU, no site isolation.
var DefaultArgs = []string{
	"--no-sandbox",
	"--disable-setuid-sandbox",
	"--disable-dev-shm-usage", // Overcome limited resource problems
	"--disable-gpu",
	"--disable-site-isolation-trials",
	"--disable-features=IsolateOrigins,site-per-process,VizDisplayCompositor",
	"--no-first-run",
	"--disable-default-apps",
	"--disable-extensions",
}

// PlaywrightLauncher starts headless Chromium through the playwright driver.
type PlaywrightLauncher struct {
	Args []string
	// Profiles are rotated across new pages; empty keeps Chromium's defaults.
	Profiles []HeaderProfile
}

func NewPlaywrightLauncher() *PlaywrightLauncher {
	return &PlaywrightLauncher{Args: DefaultArgs, Profiles: DesktopProfiles}
}

func (l *PlaywrightLauncher) Launch() (Browser, error) {
	// Prevent font loading delays on screenshots
	os.Setenv("PW_TEST_SCREENSHOT_NO_FONTS_READY", "1")

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("playwright initialization failed: %w", err)
	}
	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args:     l.Args,
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("browser launch failed: %w", err)
	}
	return &pwBrowser{pw: pw, browser: b, profiles: l.Profiles}, nil
}

type pwBrowser struct {
	pw       *playwright.Playwright
	browser  playwright.Browser
	profiles []HeaderProfile
}

// NewPage opens a page in its own context; closing the page disposes the context.
func (b *pwBrowser) NewPage() (Page, error) {
	var opts playwright.BrowserNewPageOptions
	if prof := pickProfile(b.profiles); prof.UserAgent != "" {
		opts.UserAgent = playwright.String(prof.UserAgent)
		opts.ExtraHttpHeaders = prof.Headers()
	}
	p, err := b.browser.NewPage(opts)
	if err != nil {
		return nil, err
	}
	return &pwPage{page: p}, nil
}

func (b *pwBrowser) IsConnected() bool { return b.browser.IsConnected() }

func (b *pwBrowser) Close() error {
	var errs []error
	if b.browser.IsConnected() {
		errs = append(errs, b.browser.Close())
	}
	errs = append(errs, b.pw.Stop())
	return errors.Join(errs...)
}

type pwPage struct {
	page playwright.Page
}

func ms(d time.Duration) *float64 { return playwright.Float(float64(d.Milliseconds())) }

func (p *pwPage) SetViewport(width, height int) error {
	return p.page.SetViewportSize(width, height)
}

func (p *pwPage) Navigate(url string, timeout, idle time.Duration) error {
	if _, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   ms(timeout),
	}); err != nil {
		return err
	}
	if idle > 0 {
		// Bounded wait for late requests; pages that never go idle are captured as-is.
		p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateNetworkidle,
			Timeout: ms(idle),
		})
	}
	return nil
}

func (p *pwPage) CountMatches(selector string) (int, error) {
	return p.page.Locator(selector).Count()
}

func screenshotType(format string) *playwright.ScreenshotType {
	if format == "jpeg" {
		return playwright.ScreenshotTypeJpeg
	}
	return playwright.ScreenshotTypePng
}

func (p *pwPage) Screenshot(opts ScreenshotOptions) ([]byte, error) {
	o := playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(opts.FullPage),
		Type:     screenshotType(opts.Format),
		Timeout:  ms(opts.Timeout),
	}
	if opts.Format == "jpeg" && opts.Quality > 0 {
		o.Quality = playwright.Int(opts.Quality)
	}
	return p.page.Screenshot(o)
}

func (p *pwPage) ScreenshotElement(selector string, opts ScreenshotOptions) ([]byte, error) {
	o := playwright.LocatorScreenshotOptions{
		Type:    screenshotType(opts.Format),
		Timeout: ms(opts.Timeout),
	}
	if opts.Format == "jpeg" && opts.Quality > 0 {
		o.Quality = playwright.Int(opts.Quality)
	}
	return p.page.Locator(selector).First().Screenshot(o)
}

func (p *pwPage) PDF() ([]byte, error) {
	return p.page.PDF(playwright.PagePdfOptions{
		Format:          playwright.String("A4"),
		PrintBackground: playwright.Bool(true),
	})
}

func (p *pwPage) Close() error { return p.page.Close() }
