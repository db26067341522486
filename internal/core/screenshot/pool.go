package screenshot

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"screenshotter/internal/core/job"
	"screenshotter/internal/logger"
	"screenshotter/internal/metrics"

	"github.com/google/uuid"
)

// PoolConfig sizes the worker set and its two independent timeouts.
type PoolConfig struct {
	Concurrency  int
	QueueTimeout time.Duration
	ExecTimeout  time.Duration
}

type entry struct {
	job      *job.Job
	enqueued time.Time
	elem     *list.Element // nil once dequeued or expired
	timer    *time.Timer
}

// Pool runs capture jobs on a fixed number of workers fed by a FIFO queue.
// Each worker holds at most one page, so Concurrency bounds open pages.
type Pool struct {
	cfg    PoolConfig
	exec   *Executor
	ledger job.Ledger
	log    *logger.Logger
	newID  func() string

	mu       sync.Mutex
	cond     *sync.Cond
	queue    *list.List
	inflight map[string]chan struct{}
	started  bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(cfg PoolConfig, exec *Executor, ledger job.Ledger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		exec:     exec,
		ledger:   ledger,
		log:      logger.New("CapturePool"),
		newID:    uuid.NewString,
		queue:    list.New(),
		inflight: make(map[string]chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. Jobs submitted before Start wait in the queue.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.log.LogInfof("started %d capture workers (queue timeout %v, exec timeout %v)",
		p.cfg.Concurrency, p.cfg.QueueTimeout, p.cfg.ExecTimeout)
}

// Submit records a queued job and returns without waiting for it to run.
// The queue is unbounded; backpressure comes from the queue timeout.
func (p *Pool) Submit(ctx context.Context, req job.Request) (*job.Job, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	j := &job.Job{
		ID:          p.newID(),
		Request:     req,
		Status:      job.StatusQueued,
		SubmittedAt: time.Now().UTC(),
	}
	if err := p.ledger.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("record job: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.failQueued(j.ID, ErrInterrupted)
		return nil, ErrPoolClosed
	}
	e := &entry{job: j.Clone(), enqueued: time.Now()}
	e.elem = p.queue.PushBack(e)
	p.inflight[j.ID] = make(chan struct{})
	if p.cfg.QueueTimeout > 0 {
		e.timer = time.AfterFunc(p.cfg.QueueTimeout, func() { p.expire(e) })
	}
	depth := p.queue.Len()
	p.cond.Signal()
	p.mu.Unlock()

	metrics.IncSubmitted(string(req.Format))
	metrics.SetQueueDepth(depth)
	p.log.LogDebugf("job %s queued (%s %s, depth %d)", j.ID, req.Format, req.URL, depth)
	return j, nil
}

// QueueDepth is the number of jobs waiting for a worker.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Owns reports whether the job is queued or running in this pool.
func (p *Pool) Owns(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[id]
	return ok
}

// Wait blocks until the job leaves this pool or ctx ends. Jobs this pool
// does not own return immediately.
func (p *Pool) Wait(ctx context.Context, id string) error {
	p.mu.Lock()
	ch, ok := p.inflight[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, aborts running jobs as interrupted, fails
// everything still queued and waits for the workers to exit.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var pending []*entry
	for el := p.queue.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if e.timer != nil {
			e.timer.Stop()
		}
		e.elem = nil
		pending = append(pending, e)
	}
	p.queue.Init()
	p.cond.Broadcast()
	p.mu.Unlock()
	metrics.SetQueueDepth(0)

	p.cancel()
	for _, e := range pending {
		p.failQueued(e.job.ID, fmt.Errorf("%w: pool closed before start", ErrInterrupted))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.LogInfo("capture pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for capture workers: %w", ctx.Err())
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		e := p.next()
		if e == nil {
			return
		}
		if p.cfg.QueueTimeout > 0 && time.Since(e.enqueued) >= p.cfg.QueueTimeout {
			p.failQueued(e.job.ID, fmt.Errorf("%w: waited %v", ErrQueueTimeout, p.cfg.QueueTimeout))
			continue
		}
		p.execute(e)
	}
}

// next blocks for the oldest queued entry; nil means the pool is closed.
func (p *Pool) next() *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.queue.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return nil
	}
	e := p.queue.Remove(p.queue.Front()).(*entry)
	e.elem = nil
	if e.timer != nil {
		e.timer.Stop()
	}
	metrics.SetQueueDepth(p.queue.Len())
	return e
}

func (p *Pool) execute(e *entry) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if p.cfg.ExecTimeout > 0 {
		ctx, cancel = context.WithTimeout(p.ctx, p.cfg.ExecTimeout)
	} else {
		ctx, cancel = context.WithCancel(p.ctx)
	}
	defer cancel()

	final := p.exec.Run(ctx, e.job)
	p.finish(e.job.ID, final)
}

// expire removes a job that waited too long. A job already taken by a worker
// is left alone.
func (p *Pool) expire(e *entry) {
	p.mu.Lock()
	if e.elem == nil {
		p.mu.Unlock()
		return
	}
	p.queue.Remove(e.elem)
	e.elem = nil
	depth := p.queue.Len()
	p.mu.Unlock()

	metrics.SetQueueDepth(depth)
	p.failQueued(e.job.ID, fmt.Errorf("%w: waited %v", ErrQueueTimeout, p.cfg.QueueTimeout))
}

// failQueued terminates a job that never started.
func (p *Pool) failQueued(id string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()

	now := time.Now().UTC()
	var zero int64
	code := Code(cause)
	msg := cause.Error()
	final, err := p.ledger.Update(ctx, id, job.Fields{
		Status:      job.StatusFailed,
		ErrorCode:   &code,
		Error:       &msg,
		CompletedAt: &now,
		ElapsedMs:   &zero,
	})
	if err != nil {
		p.log.LogErrorf("job %s: mark %s: %v", id, code, err)
	} else {
		p.log.LogWarnf("job %s failed before start (%s)", id, code)
	}
	p.finish(id, final)
}

func (p *Pool) finish(id string, final *job.Job) {
	if final != nil {
		metrics.IncFinished(string(final.Status), final.ErrorCode)
		metrics.ObserveCaptureDuration(string(final.Request.Format), float64(final.ElapsedMs)/1000)
	}
	p.mu.Lock()
	ch, ok := p.inflight[id]
	delete(p.inflight, id)
	p.mu.Unlock()
	if ok {
		close(ch)
	}
}
