package screenshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"screenshotter/internal/core/artifact"
	"screenshotter/internal/core/feature"
	"screenshotter/internal/core/job"
	"screenshotter/internal/logger"
	"screenshotter/internal/platform/browser"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

func init() {
	// pdfcpu would otherwise create a config dir under $HOME on first use.
	api.DisableConfigDir()
}

const (
	defaultJPEGQuality = 85
	ledgerWriteTimeout = 10 * time.Second
	maxAttempts        = 2
)

// PageSource hands out pages from the shared browser.
type PageSource interface {
	Acquire(ctx context.Context) (browser.Page, error)
	Connected() bool
}

// ExecutorConfig bounds the individual browser steps of one attempt.
type ExecutorConfig struct {
	NavTimeout  time.Duration
	IdleTimeout time.Duration
}

// Executor runs a single capture job end to end and records the outcome.
type Executor struct {
	pages  PageSource
	gate   feature.Gate
	store  artifact.Store
	ledger job.Ledger
	cfg    ExecutorConfig
	log    *logger.Logger
	now    func() time.Time
}

func NewExecutor(pages PageSource, gate feature.Gate, store artifact.Store, ledger job.Ledger, cfg ExecutorConfig) *Executor {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	return &Executor{
		pages:  pages,
		gate:   gate,
		store:  store,
		ledger: ledger,
		cfg:    cfg,
		log:    logger.New("CaptureExecutor"),
		now:    time.Now,
	}
}

type capture struct {
	data        []byte
	contentType string
	loadTime    time.Duration
}

// Run moves j from queued to running and then to exactly one terminal state.
// The returned job is the final ledger record, or nil when the ledger could
// not be written at all.
func (e *Executor) Run(ctx context.Context, j *job.Job) (final *job.Job) {
	started := e.now()
	attempts := 1
	running, err := e.update(ctx, j.ID, job.Fields{
		Status:    job.StatusRunning,
		StartedAt: &started,
		Attempts:  &attempts,
	})
	if err != nil {
		e.log.LogErrorf("job %s: mark running: %v", j.ID, err)
		return nil
	}
	req := running.Request

	defer func() {
		if r := recover(); r != nil {
			e.log.LogErrorf("job %s: panic during capture: %v", j.ID, r)
			final = e.fail(ctx, j.ID, started, fmt.Errorf("%w: panic: %v", ErrCapture, r))
		}
	}()

	if err := e.checkFeatures(req); err != nil {
		return e.fail(ctx, j.ID, started, err)
	}

	var out capture
	for {
		out, err = e.attempt(ctx, j.ID, req)
		if err == nil || attempts >= maxAttempts || ctx.Err() != nil || callerInput(err) {
			break
		}
		if !transient(err) && e.pages.Connected() {
			break
		}
		attempts++
		e.log.LogWarnf("job %s: attempt failed, retrying with a fresh page: %v", j.ID, err)
		if _, uerr := e.update(ctx, j.ID, job.Fields{Attempts: &attempts}); uerr != nil {
			e.log.LogWarnf("job %s: record attempt: %v", j.ID, uerr)
		}
	}
	if cause := fromContext(ctx); cause != nil {
		return e.fail(ctx, j.ID, started, fmt.Errorf("%w: %v", cause, ctx.Err()))
	}
	if err != nil {
		return e.fail(ctx, j.ID, started, err)
	}

	location, err := e.store.Save(ctx, j.ID, out.data, out.contentType)
	if err != nil {
		if cause := fromContext(ctx); cause != nil {
			return e.fail(ctx, j.ID, started, fmt.Errorf("%w: %v", cause, err))
		}
		return e.fail(ctx, j.ID, started, fmt.Errorf("%w: %v", ErrStorage, err))
	}

	meta := &job.Artifact{
		Location:    location,
		ContentType: out.contentType,
		Size:        int64(len(out.data)),
		Width:       req.Width,
		Height:      req.Height,
		Format:      req.Format,
		LoadTimeMs:  out.loadTime.Milliseconds(),
	}
	if req.Format == job.FormatPDF {
		meta.Pages = e.pdfPages(j.ID, out.data)
	}
	return e.complete(ctx, j.ID, started, meta)
}

// checkFeatures consults the gate before any page is acquired.
func (e *Executor) checkFeatures(req job.Request) error {
	var needed []feature.Flag
	if req.Format == job.FormatPDF {
		needed = append(needed, feature.PDF)
	}
	if req.FullPage {
		needed = append(needed, feature.FullPage)
	}
	if req.Selector != "" {
		needed = append(needed, feature.Selector)
	}
	if req.DelayMs > 0 {
		needed = append(needed, feature.Delay)
	}
	for _, f := range needed {
		if !e.gate.IsEnabled(f) {
			return fmt.Errorf("%w: %s", ErrFeatureDisabled, f)
		}
	}
	return nil
}

// attempt performs one navigate-and-capture cycle on a fresh page. The page is
// always closed before attempt returns, and closing it early aborts any
// in-flight browser call when ctx ends.
func (e *Executor) attempt(ctx context.Context, id string, req job.Request) (out capture, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrCapture, r)
		}
	}()

	page, err := e.pages.Acquire(ctx)
	if err != nil {
		return capture{}, err
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			e.log.LogDebugf("job %s: close page: %v", id, cerr)
		}
	}()
	stop := context.AfterFunc(ctx, func() { _ = page.Close() })
	defer stop()

	if err := page.SetViewport(req.Width, req.Height); err != nil {
		return capture{}, fmt.Errorf("%w: set viewport: %v", ErrCapture, err)
	}

	start := e.now()
	if err := page.Navigate(req.URL, e.cfg.NavTimeout, e.cfg.IdleTimeout); err != nil {
		return capture{}, fmt.Errorf("%w: %s: %v", ErrNavigation, req.URL, err)
	}

	if req.DelayMs > 0 {
		t := time.NewTimer(time.Duration(req.DelayMs) * time.Millisecond)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return capture{}, ctx.Err()
		}
	}

	out.contentType = req.Format.ContentType()
	out.data, err = e.render(page, req)
	if err != nil {
		return capture{}, err
	}
	out.loadTime = e.now().Sub(start)
	return out, nil
}

func (e *Executor) render(page browser.Page, req job.Request) ([]byte, error) {
	if req.Format == job.FormatPDF {
		data, err := page.PDF()
		if err != nil {
			return nil, fmt.Errorf("%w: pdf: %v", ErrCapture, err)
		}
		return data, nil
	}

	opts := browser.ScreenshotOptions{
		Format:   string(req.Format),
		FullPage: req.FullPage,
		Timeout:  e.cfg.NavTimeout,
	}
	if req.Format == job.FormatJPEG {
		opts.Quality = defaultJPEGQuality
		if req.Quality != nil {
			opts.Quality = *req.Quality
		}
	}

	if req.Selector != "" {
		n, err := page.CountMatches(req.Selector)
		if err != nil {
			return nil, fmt.Errorf("%w: query %q: %v", ErrCapture, req.Selector, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %q", ErrElementNotFound, req.Selector)
		}
		data, err := page.ScreenshotElement(req.Selector, opts)
		if err != nil {
			return nil, fmt.Errorf("%w: element screenshot: %v", ErrCapture, err)
		}
		return data, nil
	}

	data, err := page.Screenshot(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: screenshot: %v", ErrCapture, err)
	}
	return data, nil
}

// pdfPages is best effort; an unreadable document still completes the job.
func (e *Executor) pdfPages(id string, data []byte) (n int) {
	defer func() {
		if r := recover(); r != nil {
			e.log.LogDebugf("job %s: pdf inspection panicked: %v", id, r)
			n = 0
		}
	}()
	n, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		e.log.LogDebugf("job %s: count pdf pages: %v", id, err)
		return 0
	}
	return n
}

func (e *Executor) complete(ctx context.Context, id string, started time.Time, a *job.Artifact) *job.Job {
	done := e.now()
	elapsed := done.Sub(started).Milliseconds()
	j, err := e.update(ctx, id, job.Fields{
		Status:      job.StatusCompleted,
		Artifact:    a,
		CompletedAt: &done,
		ElapsedMs:   &elapsed,
	})
	if err != nil {
		e.log.LogErrorf("job %s: mark completed: %v", id, err)
		return nil
	}
	e.log.LogSuccessf("job %s completed in %dms (%s, %d bytes)", id, elapsed, a.Format, a.Size)
	return j
}

func (e *Executor) fail(ctx context.Context, id string, started time.Time, cause error) *job.Job {
	done := e.now()
	elapsed := done.Sub(started).Milliseconds()
	code := Code(cause)
	msg := logger.StripANSI(cause.Error())
	j, err := e.update(ctx, id, job.Fields{
		Status:      job.StatusFailed,
		ErrorCode:   &code,
		Error:       &msg,
		CompletedAt: &done,
		ElapsedMs:   &elapsed,
	})
	if err != nil {
		if errors.Is(err, job.ErrInvalidTransition) {
			e.log.LogWarnf("job %s: already terminal, dropping failure %s", id, code)
		} else {
			e.log.LogErrorf("job %s: mark failed: %v", id, err)
		}
		return nil
	}
	e.log.LogWarnf("job %s failed (%s): %s", id, code, msg)
	return j
}

// update writes to the ledger even after the job context has expired, so a
// timed-out job still reaches a terminal record.
func (e *Executor) update(ctx context.Context, id string, f job.Fields) (*job.Job, error) {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
	defer cancel()
	return e.ledger.Update(c, id, f)
}
