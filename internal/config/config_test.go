package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/shots")
	cfg := Load()

	assert.Equal(t, ":8081", cfg.HTTPAddr)
	assert.Equal(t, "redis", cfg.LedgerDriver)
	assert.Equal(t, "/tmp/shots/ledger.db", cfg.LedgerSQLitePath)
	assert.Equal(t, 4, cfg.CaptureConcurrency)
	assert.Equal(t, 60*time.Second, cfg.CaptureQueueTimeout)
	assert.Equal(t, 10000, cfg.CaptureMaxDelayMs)
	assert.True(t, cfg.FeatureFullPage)
	assert.True(t, cfg.NeedsRedis())
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LEDGER_DRIVER", "sqlite")
	t.Setenv("CAPTURE_CONCURRENCY", "8")
	t.Setenv("CAPTURE_EXEC_TIMEOUT", "90s")
	t.Setenv("CAPTURE_QUEUE_TIMEOUT", "15")
	t.Setenv("FEATURE_PDF", "false")
	t.Setenv("CAPTURE_MAX_WIDTH", "not-a-number")

	cfg := Load()
	assert.Equal(t, "sqlite", cfg.LedgerDriver)
	assert.Equal(t, 8, cfg.CaptureConcurrency)
	assert.Equal(t, 90*time.Second, cfg.CaptureExecTimeout)
	assert.Equal(t, 15*time.Second, cfg.CaptureQueueTimeout)
	assert.False(t, cfg.FeaturePDF)
	assert.Equal(t, 3840, cfg.CaptureMaxWidth)
	assert.False(t, cfg.NeedsRedis())
}

func TestValidate(t *testing.T) {
	base := Load()

	bad := base
	bad.LedgerDriver = "mongo"
	assert.Error(t, bad.Validate())

	bad = base
	bad.CaptureConcurrency = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.StorageDriver = "supabase"
	bad.SupabaseURL = ""
	assert.Error(t, bad.Validate())

	ok := base
	ok.StorageDriver = "supabase"
	ok.SupabaseURL = "http://localhost:54321"
	ok.SupabaseServiceKey = "key"
	assert.NoError(t, ok.Validate())
}
