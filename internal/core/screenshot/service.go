// Package screenshot is the capture engine: request validation, the bounded
// worker pool, per-job execution and the HTTP boundary in front of them.
package screenshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"screenshotter/internal/config"
	"screenshotter/internal/core/artifact"
	"screenshotter/internal/core/feature"
	"screenshotter/internal/core/job"
	"screenshotter/internal/logger"

	"github.com/andybalholm/cascadia"
)

const (
	DefaultWidth  = 1920
	DefaultHeight = 1080
)

// RenderResource is the shared browser as seen by the service.
type RenderResource interface {
	PageSource
	Shutdown() error
}

// Options tunes validation limits and the worker pool.
type Options struct {
	Concurrency    int
	QueueTimeout   time.Duration
	ExecTimeout    time.Duration
	NavTimeout     time.Duration
	IdleTimeout    time.Duration
	MaxWidth       int
	MaxHeight      int
	MaxDelayMs     int
	ReconcileGrace time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Concurrency:    cfg.CaptureConcurrency,
		QueueTimeout:   cfg.CaptureQueueTimeout,
		ExecTimeout:    cfg.CaptureExecTimeout,
		NavTimeout:     cfg.CaptureNavTimeout,
		IdleTimeout:    cfg.CaptureIdleTimeout,
		MaxWidth:       cfg.CaptureMaxWidth,
		MaxHeight:      cfg.CaptureMaxHeight,
		MaxDelayMs:     cfg.CaptureMaxDelayMs,
		ReconcileGrace: cfg.ReconcileGrace,
	}
}

// Deps are the collaborators the engine is built on.
type Deps struct {
	Resource RenderResource
	Gate     feature.Gate
	Ledger   job.Ledger
	Store    artifact.Store
}

type Service struct {
	log      *logger.Logger
	opts     Options
	resource RenderResource
	ledger   job.Ledger
	store    artifact.Store
	pool     *Pool

	stopOnce  sync.Once
	stop      chan struct{}
	reconcile sync.WaitGroup
}

func New(opts Options, d Deps) *Service {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = 3840
	}
	if opts.MaxHeight <= 0 {
		opts.MaxHeight = 2160
	}
	if opts.MaxDelayMs <= 0 {
		opts.MaxDelayMs = 10000
	}
	if opts.ReconcileGrace <= 0 {
		opts.ReconcileGrace = 5 * time.Minute
	}
	exec := NewExecutor(d.Resource, d.Gate, d.Store, d.Ledger, ExecutorConfig{
		NavTimeout:  opts.NavTimeout,
		IdleTimeout: opts.IdleTimeout,
	})
	return &Service{
		log:      logger.New("ScreenshotService"),
		opts:     opts,
		resource: d.Resource,
		ledger:   d.Ledger,
		store:    d.Store,
		pool: NewPool(PoolConfig{
			Concurrency:  opts.Concurrency,
			QueueTimeout: opts.QueueTimeout,
			ExecTimeout:  opts.ExecTimeout,
		}, exec, d.Ledger),
		stop: make(chan struct{}),
	}
}

// Start reconciles jobs interrupted by a previous process, then starts the
// workers and a periodic reconcile sweep.
func (s *Service) Start(ctx context.Context) error {
	n, err := s.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile interrupted jobs: %w", err)
	}
	if n > 0 {
		s.log.LogWarnf("marked %d interrupted jobs as failed", n)
	}
	s.pool.Start()

	s.reconcile.Add(1)
	go s.sweep()
	return nil
}

func (s *Service) sweep() {
	defer s.reconcile.Done()
	t := time.NewTicker(s.opts.ReconcileGrace)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
			if _, err := s.Reconcile(ctx); err != nil {
				s.log.LogWarnf("periodic reconcile: %v", err)
			}
			cancel()
		}
	}
}

// Reconcile fails every queued or running job older than the grace period
// that this process does not own. It returns how many jobs it changed.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.opts.ReconcileGrace)
	changed := 0
	for _, st := range []job.Status{job.StatusRunning, job.StatusQueued} {
		jobs, err := s.ledger.ListByStatus(ctx, st)
		if err != nil {
			return changed, err
		}
		for _, j := range jobs {
			if s.pool.Owns(j.ID) {
				continue
			}
			since := j.SubmittedAt
			if j.StartedAt != nil {
				since = *j.StartedAt
			}
			if since.After(cutoff) {
				continue
			}
			now := time.Now().UTC()
			code := CodeInterrupted
			msg := fmt.Sprintf("%v: job left %s since %s", ErrInterrupted, j.Status, since.Format(time.RFC3339))
			elapsed := int64(0)
			if j.StartedAt != nil {
				elapsed = now.Sub(*j.StartedAt).Milliseconds()
			}
			_, err := s.ledger.Update(ctx, j.ID, job.Fields{
				Status:      job.StatusFailed,
				ErrorCode:   &code,
				Error:       &msg,
				CompletedAt: &now,
				ElapsedMs:   &elapsed,
			})
			if err != nil {
				if errors.Is(err, job.ErrInvalidTransition) || errors.Is(err, job.ErrNotFound) {
					continue
				}
				return changed, err
			}
			changed++
			s.log.LogWarnf("job %s interrupted while %s", j.ID, st)
		}
	}
	return changed, nil
}

// Submit validates and normalizes req, then queues it.
func (s *Service) Submit(ctx context.Context, req job.Request) (*job.Job, error) {
	norm, err := s.Normalize(req)
	if err != nil {
		return nil, err
	}
	return s.pool.Submit(ctx, norm)
}

// Normalize applies defaults and clamps dimensions. The returned request is
// what gets rendered and recorded.
func (s *Service) Normalize(req job.Request) (job.Request, error) {
	req.URL = strings.TrimSpace(req.URL)
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return req, fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidRequest)
	}

	req.Format = job.Format(strings.ToLower(strings.TrimSpace(string(req.Format))))
	switch req.Format {
	case "":
		req.Format = job.FormatPNG
	case "jpg":
		req.Format = job.FormatJPEG
	}
	if !req.Format.Valid() {
		return req, fmt.Errorf("%w: unsupported format %q", ErrInvalidRequest, req.Format)
	}

	if req.Width < 0 || req.Height < 0 {
		return req, fmt.Errorf("%w: width and height must be positive", ErrInvalidRequest)
	}
	if req.Width == 0 {
		req.Width = DefaultWidth
	}
	if req.Height == 0 {
		req.Height = DefaultHeight
	}
	req.Width = min(req.Width, s.opts.MaxWidth)
	req.Height = min(req.Height, s.opts.MaxHeight)

	if req.DelayMs < 0 || req.DelayMs > s.opts.MaxDelayMs {
		return req, fmt.Errorf("%w: delay must be between 0 and %dms", ErrInvalidRequest, s.opts.MaxDelayMs)
	}

	if req.Quality != nil && (*req.Quality < 1 || *req.Quality > 100) {
		return req, fmt.Errorf("%w: quality must be between 1 and 100", ErrInvalidRequest)
	}

	req.Selector = strings.TrimSpace(req.Selector)
	if req.Selector != "" {
		if _, err := cascadia.Compile(req.Selector); err != nil {
			return req, fmt.Errorf("%w: selector %q: %v", ErrInvalidRequest, req.Selector, err)
		}
	}
	return req, nil
}

func (s *Service) GetStatus(ctx context.Context, id string) (*job.Job, error) {
	return s.ledger.Get(ctx, id)
}

// GetArtifactBytes returns the artifact of a completed job. A file removed
// behind the engine's back yields artifact.ErrMissing and leaves the job as is.
func (s *Service) GetArtifactBytes(ctx context.Context, id string) ([]byte, *job.Job, error) {
	j, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if j.Status != job.StatusCompleted || j.Artifact == nil {
		return nil, j, fmt.Errorf("%w: job %s is %s", ErrNotCompleted, id, j.Status)
	}
	data, err := s.store.Load(ctx, j.Artifact.Location)
	if err != nil {
		return nil, j, err
	}
	return data, j, nil
}

// Link returns a URL for the job's artifact when the store can produce one.
func (s *Service) Link(ctx context.Context, j *job.Job) (string, error) {
	l, ok := s.store.(artifact.Linker)
	if !ok || j == nil || j.Artifact == nil {
		return "", nil
	}
	return l.Link(ctx, j.Artifact.Location)
}

// Delete removes a terminal job and its artifact.
func (s *Service) Delete(ctx context.Context, id string) error {
	j, err := s.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	if !j.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrJobActive, j.Status)
	}
	if j.Artifact != nil {
		if err := s.store.Delete(ctx, j.Artifact.Location); err != nil {
			return fmt.Errorf("delete artifact: %w", err)
		}
	}
	if err := s.ledger.Delete(ctx, id); err != nil {
		return err
	}
	s.log.LogDebugf("job %s deleted", id)
	return nil
}

// Wait blocks until the job is terminal or ctx ends and returns its record.
func (s *Service) Wait(ctx context.Context, id string) (*job.Job, error) {
	if err := s.pool.Wait(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.Get(ctx, id)
}

func (s *Service) QueueDepth() int { return s.pool.QueueDepth() }

// Shutdown stops the pool, then closes the browser process.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.reconcile.Wait()
	perr := s.pool.Close(ctx)
	rerr := s.resource.Shutdown()
	return errors.Join(perr, rerr)
}
