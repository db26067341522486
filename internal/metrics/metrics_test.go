package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotentAndHelpersRecord(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	IncSubmitted("png")
	IncFinished("completed", "")
	IncFinished("failed", "capture_timeout")
	ObserveCaptureDuration("png", 1.5)
	SetQueueDepth(3)
	SetOpenPages(2)
	IncBrowserLaunch("ok")

	mfs, err := reg.Gather()
	require.NoError(t, err)

	want := map[string]bool{
		"screenshotter_capture_jobs_submitted_total": false,
		"screenshotter_capture_jobs_finished_total":  false,
		"screenshotter_capture_duration_seconds":     false,
		"screenshotter_pool_queue_depth":             false,
		"screenshotter_browser_open_pages":           false,
		"screenshotter_browser_launches_total":       false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = len(mf.GetMetric()) > 0
		}
	}
	for name, seen := range want {
		assert.True(t, seen, "expected samples for %s", name)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))
	SetOpenPages(1)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "screenshotter_browser_open_pages"))
}
