package screenshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"screenshotter/internal/core/artifact"
	"screenshotter/internal/core/feature"
	"screenshotter/internal/core/job"
	"screenshotter/internal/platform/browser"
	"screenshotter/internal/platform/browser/browsertest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingLedger remembers every status each job was written with.
type recordingLedger struct {
	job.Ledger
	mu   sync.Mutex
	seen map[string][]job.Status
}

func newRecordingLedger() *recordingLedger {
	return &recordingLedger{Ledger: job.NewMemoryLedger(), seen: map[string][]job.Status{}}
}

func (r *recordingLedger) Create(ctx context.Context, j *job.Job) error {
	err := r.Ledger.Create(ctx, j)
	if err == nil {
		r.mu.Lock()
		r.seen[j.ID] = append(r.seen[j.ID], j.Status)
		r.mu.Unlock()
	}
	return err
}

func (r *recordingLedger) Update(ctx context.Context, id string, f job.Fields) (*job.Job, error) {
	j, err := r.Ledger.Update(ctx, id, f)
	if err == nil && f.Status != "" {
		r.mu.Lock()
		r.seen[id] = append(r.seen[id], f.Status)
		r.mu.Unlock()
	}
	return j, err
}

func (r *recordingLedger) history(id string) []job.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.Status(nil), r.seen[id]...)
}

type harness struct {
	launcher *browsertest.Launcher
	resource *browser.Resource
	ledger   *recordingLedger
	store    *artifact.LocalStore
	svc      *Service
}

func newHarness(t *testing.T, opts Options, gate feature.Gate) *harness {
	t.Helper()
	return newHarnessWithStore(t, opts, gate, nil)
}

// newHarnessWithStore builds the engine on store instead of the local store
// when store is non-nil.
func newHarnessWithStore(t *testing.T, opts Options, gate feature.Gate, store artifact.Store) *harness {
	t.Helper()
	h := &harness{
		launcher: &browsertest.Launcher{Matches: map[string]int{"#hero": 1}},
		ledger:   newRecordingLedger(),
		store:    artifact.NewLocalStore(t.TempDir(), "/files/screenshots"),
	}
	h.resource = browser.NewResource(h.launcher)
	if gate == nil {
		gate = feature.AllEnabled()
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = 2
	}
	if opts.QueueTimeout == 0 {
		opts.QueueTimeout = 5 * time.Second
	}
	if opts.ExecTimeout == 0 {
		opts.ExecTimeout = 5 * time.Second
	}
	if opts.NavTimeout == 0 {
		opts.NavTimeout = 2 * time.Second
	}
	if store == nil {
		store = h.store
	}
	h.svc = New(opts, Deps{Resource: h.resource, Gate: gate, Ledger: h.ledger, Store: store})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.svc.Shutdown(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Start(context.Background()))
}

func (h *harness) submit(t *testing.T, req job.Request) *job.Job {
	t.Helper()
	j, err := h.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	return j
}

func (h *harness) wait(t *testing.T, id string) *job.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	final, err := h.svc.Wait(ctx, id)
	require.NoError(t, err)
	require.True(t, final.Status.Terminal(), "job %s still %s", id, final.Status)
	return final
}

func (h *harness) run(t *testing.T, req job.Request) *job.Job {
	t.Helper()
	return h.wait(t, h.submit(t, req).ID)
}

func TestCaptureCompletes(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.start(t)

	j := h.run(t, job.Request{URL: "https://example.com", Format: job.FormatPNG, Width: 1280, Height: 720})

	require.Equal(t, job.StatusCompleted, j.Status)
	require.NotNil(t, j.Artifact)
	assert.Greater(t, j.Artifact.Size, int64(0))
	assert.Equal(t, 1280, j.Artifact.Width)
	assert.Equal(t, 720, j.Artifact.Height)
	assert.Equal(t, "image/png", j.Artifact.ContentType)
	assert.Equal(t, j.ID+".png", j.Artifact.Location)
	assert.Equal(t, 1, j.Attempts)
	assert.NotNil(t, j.StartedAt)
	assert.NotNil(t, j.CompletedAt)
	assert.Empty(t, j.ErrorCode)

	assert.Equal(t, []job.Status{job.StatusQueued, job.StatusRunning, job.StatusCompleted}, h.ledger.history(j.ID))
	assert.Equal(t, 0, h.resource.OpenPages())

	data, _, err := h.svc.GetArtifactBytes(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, browsertest.PNG, data)
}

func TestDimensionsAreClampedAndReported(t *testing.T) {
	h := newHarness(t, Options{MaxWidth: 1600, MaxHeight: 900}, nil)
	h.start(t)

	j := h.run(t, job.Request{URL: "https://example.com", Width: 5000, Height: 4000})
	require.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 1600, j.Request.Width)
	assert.Equal(t, 900, j.Request.Height)
	assert.Equal(t, 1600, j.Artifact.Width)
	assert.Equal(t, 900, j.Artifact.Height)
}

func TestDisabledFeatureNeverTouchesBrowser(t *testing.T) {
	gate := feature.AllEnabled()
	gate[feature.FullPage] = false
	h := newHarness(t, Options{}, gate)
	h.start(t)

	j := h.run(t, job.Request{URL: "https://example.com", FullPage: true})

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, CodeFeatureDisabled, j.ErrorCode)
	assert.Nil(t, j.Artifact)
	assert.Equal(t, 0, h.launcher.Launches())
	assert.Equal(t, 0, h.launcher.PagesOpened())
	assert.False(t, h.resource.Connected())
}

func TestDisabledDelayFailsImmediately(t *testing.T) {
	gate := feature.AllEnabled()
	gate[feature.Delay] = false
	h := newHarness(t, Options{}, gate)
	h.start(t)

	start := time.Now()
	j := h.run(t, job.Request{URL: "https://example.com", DelayMs: 5000})

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, CodeFeatureDisabled, j.ErrorCode)
	assert.Less(t, time.Since(start), time.Second)
	assert.Less(t, j.ElapsedMs, int64(1000))
	assert.Equal(t, 0, h.launcher.PagesOpened())
}

func TestSelectorWithoutMatchFails(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.start(t)

	j := h.run(t, job.Request{URL: "https://example.com", Selector: ".missing"})

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, CodeElementNotFound, j.ErrorCode)
	assert.Nil(t, j.Artifact)
	assert.Equal(t, 1, j.Attempts, "caller-input errors are not retried")
	assert.Equal(t, 0, h.resource.OpenPages())
}

func TestSelectorCapture(t *testing.T) {
	var captured atomic.Value
	h := newHarness(t, Options{}, nil)
	h.launcher.OnNavigate = func(p *browsertest.Page, _ string) error {
		captured.Store(p)
		return nil
	}
	h.start(t)

	q := 40
	j := h.run(t, job.Request{URL: "https://example.com", Format: job.FormatJPEG, Selector: "#hero", Quality: &q})

	require.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, "image/jpeg", j.Artifact.ContentType)
	p := captured.Load().(*browsertest.Page)
	assert.Equal(t, "jpeg element=#hero q=40", p.Captured)
}

func TestPDFCapture(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.start(t)

	j := h.run(t, job.Request{URL: "https://example.com", Format: job.FormatPDF})

	require.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, job.FormatPDF, j.Artifact.Format)
	assert.Equal(t, "application/pdf", j.Artifact.ContentType)
	assert.Equal(t, j.ID+".pdf", j.Artifact.Location)
}

func TestPDFExecutionTimeoutClosesPage(t *testing.T) {
	h := newHarness(t, Options{ExecTimeout: 150 * time.Millisecond}, nil)
	h.launcher.PDFDelay = 5 * time.Second
	h.start(t)

	start := time.Now()
	j := h.run(t, job.Request{URL: "https://example.com", Format: job.FormatPDF})

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, CodeCaptureTimeout, j.ErrorCode)
	assert.Nil(t, j.Artifact)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, h.launcher.OpenPages())
}

func TestDelayIsWaitedBeforeCapture(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.start(t)

	start := time.Now()
	j := h.run(t, job.Request{URL: "https://example.com", DelayMs: 300})

	require.Equal(t, job.StatusCompleted, j.Status)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.GreaterOrEqual(t, j.ElapsedMs, int64(300))
	assert.GreaterOrEqual(t, j.Artifact.LoadTimeMs, int64(300))
}

// failingStore rejects every write.
type failingStore struct {
	artifact.Store
	saves atomic.Int32
}

func (f *failingStore) Save(context.Context, string, []byte, string) (string, error) {
	f.saves.Add(1)
	return "", errors.New("disk full")
}

func TestArtifactWriteFailureFailsJob(t *testing.T) {
	store := &failingStore{Store: artifact.NewLocalStore(t.TempDir(), "/files/screenshots")}
	h := newHarnessWithStore(t, Options{}, nil, store)
	h.start(t)

	j := h.run(t, job.Request{URL: "https://example.com"})

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, CodeStorage, j.ErrorCode)
	assert.Contains(t, j.Error, "disk full")
	assert.Nil(t, j.Artifact)
	assert.Equal(t, 1, j.Attempts, "storage errors are not retried")
	assert.Equal(t, int32(1), store.saves.Load())
	assert.Equal(t, 0, h.resource.OpenPages())
	assert.Equal(t, 0, h.launcher.OpenPages())

	_, _, err := h.svc.GetArtifactBytes(context.Background(), j.ID)
	assert.ErrorIs(t, err, ErrNotCompleted)
}

func TestPDFDisabled(t *testing.T) {
	gate := feature.AllEnabled()
	gate[feature.PDF] = false
	h := newHarness(t, Options{}, gate)
	h.start(t)

	j := h.run(t, job.Request{URL: "https://example.com", Format: job.FormatPDF})
	assert.Equal(t, CodeFeatureDisabled, j.ErrorCode)
}

func TestExcessJobsQueueAndPagesStayBounded(t *testing.T) {
	const n = 2
	h := newHarness(t, Options{Concurrency: n}, nil)
	h.launcher.NavigateDelay = 150 * time.Millisecond
	h.start(t)

	var ids []string
	for i := 0; i < 2*n; i++ {
		ids = append(ids, h.submit(t, job.Request{URL: "https://example.com"}).ID)
	}
	assert.GreaterOrEqual(t, h.svc.QueueDepth(), n, "excess submissions wait in the queue")

	for _, id := range ids {
		assert.Equal(t, job.StatusCompleted, h.wait(t, id).Status)
	}
	assert.LessOrEqual(t, h.launcher.MaxOpenPages(), n)
	assert.Equal(t, 1, h.launcher.Launches())
	assert.Equal(t, 0, h.svc.QueueDepth())
}

func TestQueueTimeoutFailsWithoutStarting(t *testing.T) {
	h := newHarness(t, Options{Concurrency: 1, QueueTimeout: 100 * time.Millisecond}, nil)
	h.launcher.NavigateDelay = 500 * time.Millisecond
	h.start(t)

	first := h.submit(t, job.Request{URL: "https://example.com/slow"})
	second := h.submit(t, job.Request{URL: "https://example.com/starved"})

	j := h.wait(t, second.ID)
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, CodeQueueTimeout, j.ErrorCode)
	assert.Nil(t, j.StartedAt)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, []job.Status{job.StatusQueued, job.StatusFailed}, h.ledger.history(second.ID))

	assert.Equal(t, job.StatusCompleted, h.wait(t, first.ID).Status)
}

func TestExecutionTimeoutClosesPage(t *testing.T) {
	h := newHarness(t, Options{ExecTimeout: 100 * time.Millisecond}, nil)
	h.launcher.NavigateDelay = 5 * time.Second
	h.start(t)

	start := time.Now()
	j := h.run(t, job.Request{URL: "https://example.com"})

	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, CodeCaptureTimeout, j.ErrorCode)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, h.resource.OpenPages())
	assert.Equal(t, 0, h.launcher.OpenPages())
}

func TestCrashMidJobRelaunchesAndRetries(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	var calls atomic.Int32
	h.launcher.OnNavigate = func(p *browsertest.Page, _ string) error {
		if calls.Add(1) == 1 {
			p.Browser().Kill()
			return browsertest.ErrTargetClosed
		}
		return nil
	}
	h.start(t)

	j := h.run(t, job.Request{URL: "https://example.com"})
	assert.Equal(t, job.StatusCompleted, j.Status)
	assert.Equal(t, 2, j.Attempts)
	assert.Equal(t, 2, h.launcher.Launches())

	// The engine stays usable.
	next := h.run(t, job.Request{URL: "https://example.org"})
	assert.Equal(t, job.StatusCompleted, next.Status)
	assert.Equal(t, 2, h.launcher.Launches())
}

func TestNavigationErrorRetriedOnce(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	var calls atomic.Int32
	h.launcher.OnNavigate = func(*browsertest.Page, string) error {
		calls.Add(1)
		return errors.New("net::ERR_NAME_NOT_RESOLVED")
	}
	h.start(t)

	j := h.run(t, job.Request{URL: "https://nowhere.invalid"})
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, CodeNavigation, j.ErrorCode)
	assert.Contains(t, j.Error, "ERR_NAME_NOT_RESOLVED")
	assert.Equal(t, 2, j.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, h.resource.OpenPages())
}

func TestResourceUnavailable(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.launcher.FailLaunches.Store(4)
	h.start(t)

	j := h.run(t, job.Request{URL: "https://example.com"})
	assert.Equal(t, job.StatusFailed, j.Status)
	assert.Equal(t, CodeResourceUnavailable, j.ErrorCode)
	assert.Equal(t, 2, j.Attempts)

	// Launches succeed again afterwards.
	assert.Equal(t, job.StatusCompleted, h.run(t, job.Request{URL: "https://example.com"}).Status)
}

func TestStartReconcilesInterruptedJobs(t *testing.T) {
	h := newHarness(t, Options{ReconcileGrace: time.Minute}, nil)
	ctx := context.Background()
	old := time.Now().Add(-10 * time.Minute)
	fresh := time.Now()

	require.NoError(t, h.ledger.Create(ctx, &job.Job{ID: "stale-running", Status: job.StatusRunning, SubmittedAt: old, StartedAt: &old}))
	require.NoError(t, h.ledger.Create(ctx, &job.Job{ID: "stale-queued", Status: job.StatusQueued, SubmittedAt: old}))
	require.NoError(t, h.ledger.Create(ctx, &job.Job{ID: "fresh-running", Status: job.StatusRunning, SubmittedAt: fresh, StartedAt: &fresh}))
	require.NoError(t, h.ledger.Create(ctx, &job.Job{ID: "done", Status: job.StatusCompleted, SubmittedAt: old}))

	h.start(t)

	for _, id := range []string{"stale-running", "stale-queued"} {
		j, err := h.svc.GetStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, j.Status, id)
		assert.Equal(t, CodeInterrupted, j.ErrorCode, id)
		assert.NotNil(t, j.CompletedAt, id)
	}
	j, err := h.svc.GetStatus(ctx, "fresh-running")
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, j.Status)

	j, err = h.svc.GetStatus(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, j.Status)
}

func TestArtifactMissingKeepsStatus(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.start(t)
	ctx := context.Background()

	j := h.run(t, job.Request{URL: "https://example.com"})
	require.Equal(t, job.StatusCompleted, j.Status)
	require.NoError(t, os.Remove(filepath.Join(h.store.Root(), j.Artifact.Location)))

	_, _, err := h.svc.GetArtifactBytes(ctx, j.ID)
	assert.ErrorIs(t, err, artifact.ErrMissing)

	again, err := h.svc.GetStatus(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, again.Status)
}

func TestArtifactOfUnfinishedJob(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	// Not started: the job stays queued.
	j := h.submit(t, job.Request{URL: "https://example.com"})

	_, _, err := h.svc.GetArtifactBytes(context.Background(), j.ID)
	assert.ErrorIs(t, err, ErrNotCompleted)

	assert.ErrorIs(t, h.svc.Delete(context.Background(), j.ID), ErrJobActive)

	_, _, err = h.svc.GetArtifactBytes(context.Background(), "nope")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestDeleteRemovesRecordAndArtifact(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.start(t)
	ctx := context.Background()

	j := h.run(t, job.Request{URL: "https://example.com"})
	require.Equal(t, job.StatusCompleted, j.Status)

	require.NoError(t, h.svc.Delete(ctx, j.ID))
	_, err := h.svc.GetStatus(ctx, j.ID)
	assert.ErrorIs(t, err, job.ErrNotFound)
	_, err = h.store.Load(ctx, j.Artifact.Location)
	assert.ErrorIs(t, err, artifact.ErrMissing)
}

func TestShutdownInterruptsQueuedJobs(t *testing.T) {
	h := newHarness(t, Options{Concurrency: 1}, nil)
	h.launcher.NavigateDelay = 2 * time.Second
	h.start(t)

	running := h.submit(t, job.Request{URL: "https://example.com/a"})
	queued := h.submit(t, job.Request{URL: "https://example.com/b"})
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))

	for _, id := range []string{running.ID, queued.ID} {
		j, err := h.svc.GetStatus(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, j.Status, id)
		assert.Equal(t, CodeInterrupted, j.ErrorCode, id)
	}
	assert.False(t, h.resource.Connected())
	assert.True(t, h.launcher.Current().Closed())

	_, err := h.svc.Submit(context.Background(), job.Request{URL: "https://example.com"})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestNormalize(t *testing.T) {
	svc := New(Options{MaxWidth: 2000, MaxHeight: 1000, MaxDelayMs: 3000}, Deps{Ledger: job.NewMemoryLedger()})

	got, err := svc.Normalize(job.Request{URL: " https://example.com ", Format: "JPG"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", got.URL)
	assert.Equal(t, job.FormatJPEG, got.Format)
	assert.Equal(t, 1920, got.Width)
	assert.Equal(t, 1000, got.Height, "default height is clamped too")

	got, err = svc.Normalize(job.Request{URL: "http://example.com/x", Selector: " div > p.lead "})
	require.NoError(t, err)
	assert.Equal(t, job.FormatPNG, got.Format)
	assert.Equal(t, "div > p.lead", got.Selector)

	zero, big := 0, 101
	bad := map[string]job.Request{
		"no scheme":        {URL: "example.com"},
		"ftp":              {URL: "ftp://example.com"},
		"format":           {URL: "https://example.com", Format: "gif"},
		"negative width":   {URL: "https://example.com", Width: -1},
		"negative height":  {URL: "https://example.com", Height: -5},
		"delay over cap":   {URL: "https://example.com", DelayMs: 3001},
		"negative delay":   {URL: "https://example.com", DelayMs: -1},
		"quality zero":     {URL: "https://example.com", Format: job.FormatJPEG, Quality: &zero},
		"quality too high": {URL: "https://example.com", Format: job.FormatJPEG, Quality: &big},
		"bad selector":     {URL: "https://example.com", Selector: "div[unclosed"},
	}
	for name, req := range bad {
		_, err := svc.Normalize(req)
		assert.ErrorIs(t, err, ErrInvalidRequest, name)
	}
}

func TestSubmitRejectsInvalidWithoutRecord(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	_, err := h.svc.Submit(context.Background(), job.Request{URL: "not a url"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	queued, err := h.ledger.ListByStatus(context.Background(), job.StatusQueued)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, CodeNavigation, Code(errors.Join(errors.New("x"), ErrNavigation)))
	assert.Equal(t, CodeResourceUnavailable, Code(browser.ErrResourceUnavailable))
	assert.Equal(t, CodeCapture, Code(errors.New("boom")))
	assert.True(t, transient(ErrNavigation))
	assert.False(t, transient(ErrElementNotFound))
	assert.True(t, callerInput(ErrFeatureDisabled))
}
