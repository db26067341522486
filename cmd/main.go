package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"screenshotter/internal/config"
	"screenshotter/internal/core/artifact"
	"screenshotter/internal/core/feature"
	"screenshotter/internal/core/job"
	"screenshotter/internal/core/screenshot"
	"screenshotter/internal/health"
	"screenshotter/internal/logger"
	"screenshotter/internal/metrics"
	"screenshotter/internal/platform/browser"
	rds "screenshotter/internal/platform/redis"
	"screenshotter/internal/server"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	log.Printf("[screenshotter] starting at %s (env=%s)\n", cfg.HTTPAddr, cfg.AppEnv)

	// Initialize logger
	logr := logger.New("main")

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Fatalf("register metrics: %v", err)
	}

	checks := map[string]health.Check{}

	// Redis client, only when a backend needs it
	var redisSvc *rds.Service
	if cfg.NeedsRedis() {
		var err error
		redisSvc, err = rds.New(rds.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Fatal(err)
		}
		defer redisSvc.Close()
		checks["redis"] = redisSvc.HealthCheck
	}

	ledger, err := openLedger(cfg, redisSvc)
	if err != nil {
		log.Fatalf("failed to open ledger: %v", err)
	}
	defer ledger.Close()
	checks["ledger"] = ledger.Ping

	gate, err := openGate(cfg, redisSvc)
	if err != nil {
		log.Fatalf("failed to load feature flags: %v", err)
	}

	store, artifactsDir, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to initialize artifact store: %v", err)
	}

	resource := browser.NewResource(browser.NewPlaywrightLauncher())
	checks["browser"] = resource.HealthCheck

	screenshotSvc := screenshot.New(screenshot.OptionsFromConfig(cfg), screenshot.Deps{
		Resource: resource,
		Gate:     gate,
		Ledger:   ledger,
		Store:    store,
	})
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	err = screenshotSvc.Start(startCtx)
	cancelStart()
	if err != nil {
		log.Fatalf("failed to start capture engine: %v", err)
	}

	// HTTP server
	app := fiber.New(fiber.Config{
		AppName:      "Screenshotter",
		BodyLimit:    1 << 20,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 6 * time.Minute,
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})

	healthHandler := server.RegisterRoutes(app, server.Dependencies{
		Screenshot:   screenshotSvc,
		Checks:       checks,
		ArtifactsDir: artifactsDir,
	})
	healthHandler.SetReady()

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logr.LogInfo("Shutting down...")
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		logr.LogError("server listen", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := screenshotSvc.Shutdown(ctx); err != nil {
		logr.LogError("capture engine shutdown", err)
	}
	logr.LogInfo("stopped")
}

func openLedger(cfg config.Config, redisSvc *rds.Service) (job.Ledger, error) {
	switch cfg.LedgerDriver {
	case "redis":
		return job.NewRedisLedger(redisSvc), nil
	case "sqlite":
		return job.NewSQLiteLedger(cfg.LedgerSQLitePath)
	case "memory":
		return job.NewMemoryLedger(), nil
	}
	return nil, fmt.Errorf("unknown ledger driver %q", cfg.LedgerDriver)
}

func openGate(cfg config.Config, redisSvc *rds.Service) (feature.Gate, error) {
	if cfg.FeatureSource == "redis" {
		return feature.NewRedisGate(redisSvc, cfg.FeatureCacheTTL), nil
	}
	flags := feature.Static{
		feature.FullPage: cfg.FeatureFullPage,
		feature.Selector: cfg.FeatureSelector,
		feature.Delay:    cfg.FeatureDelay,
		feature.PDF:      cfg.FeaturePDF,
	}
	if cfg.FeatureFlagsFile != "" {
		return feature.LoadFile(cfg.FeatureFlagsFile, flags)
	}
	return flags, nil
}

// openStore returns the artifact store and, for local storage, its root
// directory. Only that directory is served, never DATA_DIR itself, which may
// also hold the sqlite ledger.
func openStore(cfg config.Config) (artifact.Store, string, error) {
	if cfg.StorageDriver == "supabase" {
		s, err := artifact.NewSupabaseStore(artifact.SupabaseConfig{
			URL:        cfg.SupabaseURL,
			ServiceKey: cfg.SupabaseServiceKey,
			Bucket:     cfg.SupabaseBucket,
			Local:      cfg.AppEnv != "production",
		})
		return s, "", err
	}
	if cfg.AppEnv == "production" {
		log.Printf("[screenshotter] warning: local artifact storage in production")
	}
	root := filepath.Join(cfg.DataDir, "screenshots")
	return artifact.NewLocalStore(root, server.ArtifactsPrefix), root, nil
}
