package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	AppEnv        string
	HTTPAddr      string
	RedisAddr     string
	RedisPassword string
	DataDir       string

	LedgerDriver     string
	LedgerSQLitePath string

	FeatureSource    string
	FeatureFlagsFile string
	FeatureCacheTTL  time.Duration
	FeatureFullPage  bool
	FeatureSelector  bool
	FeatureDelay     bool
	FeaturePDF       bool

	StorageDriver      string
	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string

	CaptureConcurrency  int
	CaptureQueueTimeout time.Duration
	CaptureExecTimeout  time.Duration
	CaptureNavTimeout   time.Duration
	CaptureIdleTimeout  time.Duration
	CaptureMaxWidth     int
	CaptureMaxHeight    int
	CaptureMaxDelayMs   int

	ReconcileGrace time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getenvDuration accepts Go duration strings ("45s") or a bare number of seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func Load() Config {
	dataDir := getenv("DATA_DIR", "./data")
	return Config{
		AppEnv:        getenv("APP_ENV", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8081"),
		RedisAddr:     getenv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		DataDir:       dataDir,

		LedgerDriver:     getenv("LEDGER_DRIVER", "redis"),
		LedgerSQLitePath: getenv("LEDGER_SQLITE_PATH", filepath.Join(dataDir, "ledger.db")),

		FeatureSource:    getenv("FEATURE_SOURCE", "static"),
		FeatureFlagsFile: os.Getenv("FEATURE_FLAGS_FILE"),
		FeatureCacheTTL:  getenvDuration("FEATURE_CACHE_TTL", 30*time.Second),
		FeatureFullPage:  getenvBool("FEATURE_FULL_PAGE", true),
		FeatureSelector:  getenvBool("FEATURE_SELECTOR", true),
		FeatureDelay:     getenvBool("FEATURE_DELAY", true),
		FeaturePDF:       getenvBool("FEATURE_PDF", true),

		StorageDriver:      getenv("STORAGE_DRIVER", "local"),
		SupabaseURL:        os.Getenv("NEXT_PUBLIC_SUPABASE_URL"),
		SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:     getenv("SUPABASE_STORAGE_BUCKET", "screenshots"),

		CaptureConcurrency:  getenvInt("CAPTURE_CONCURRENCY", 4),
		CaptureQueueTimeout: getenvDuration("CAPTURE_QUEUE_TIMEOUT", 60*time.Second),
		CaptureExecTimeout:  getenvDuration("CAPTURE_EXEC_TIMEOUT", 60*time.Second),
		CaptureNavTimeout:   getenvDuration("CAPTURE_NAV_TIMEOUT", 30*time.Second),
		CaptureIdleTimeout:  getenvDuration("CAPTURE_IDLE_TIMEOUT", 5*time.Second),
		CaptureMaxWidth:     getenvInt("CAPTURE_MAX_WIDTH", 3840),
		CaptureMaxHeight:    getenvInt("CAPTURE_MAX_HEIGHT", 2160),
		CaptureMaxDelayMs:   getenvInt("CAPTURE_MAX_DELAY_MS", 10000),

		ReconcileGrace: getenvDuration("RECONCILE_GRACE", 5*time.Minute),
	}
}

// NeedsRedis reports whether any configured backend talks to redis.
func (c Config) NeedsRedis() bool {
	return c.LedgerDriver == "redis" || c.FeatureSource == "redis"
}

func (c Config) Validate() error {
	switch c.LedgerDriver {
	case "redis", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown LEDGER_DRIVER %q", c.LedgerDriver)
	}
	switch c.FeatureSource {
	case "static", "redis":
	default:
		return fmt.Errorf("unknown FEATURE_SOURCE %q", c.FeatureSource)
	}
	switch c.StorageDriver {
	case "local", "supabase":
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.NeedsRedis() && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.StorageDriver == "supabase" {
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" || c.SupabaseBucket == "" {
			return fmt.Errorf("supabase storage requires NEXT_PUBLIC_SUPABASE_URL, SUPABASE_SERVICE_ROLE_KEY, and SUPABASE_STORAGE_BUCKET")
		}
	}
	if c.CaptureConcurrency < 1 {
		return fmt.Errorf("CAPTURE_CONCURRENCY must be at least 1, got %d", c.CaptureConcurrency)
	}
	if c.CaptureMaxWidth < 1 || c.CaptureMaxHeight < 1 {
		return fmt.Errorf("CAPTURE_MAX_WIDTH and CAPTURE_MAX_HEIGHT must be positive")
	}
	if c.CaptureQueueTimeout <= 0 || c.CaptureExecTimeout <= 0 || c.CaptureNavTimeout <= 0 {
		return fmt.Errorf("capture timeouts must be positive")
	}
	return nil
}
