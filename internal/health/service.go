package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"screenshotter/internal/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// Check probes one dependency; a nil error means healthy.
type Check func(context.Context) error

// HealthHandler handles health check requests
type HealthHandler struct {
	log       *logger.Logger
	checks    map[string]Check
	startTime time.Time
	ready     atomic.Bool
	timeout   time.Duration
}

// NewHealthHandler creates a handler that runs every named check in parallel.
func NewHealthHandler(checks map[string]Check) *HealthHandler {
	if checks == nil {
		checks = map[string]Check{}
	}
	return &HealthHandler{
		log:       logger.New("HealthCheck"),
		checks:    checks,
		startTime: time.Now(),
		timeout:   8 * time.Second,
	}
}

// SetReady marks the application as ready to receive traffic
func (h *HealthHandler) SetReady() {
	h.ready.Store(true)
	h.log.LogSuccessf("Application marked as ready for traffic after %v", time.Since(h.startTime))
}

// ComponentStatus holds the status of a dependent component
type ComponentStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// OverallHealth represents the overall health status including components
type OverallHealth struct {
	OverallStatus string                     `json:"overall_status"`
	Timestamp     string                     `json:"timestamp"`
	Ready         bool                       `json:"ready"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Components    map[string]ComponentStatus `json:"components"`
}

// Run executes all checks and reports whether every one passed.
func (h *HealthHandler) Run(ctx context.Context) (map[string]ComponentStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	statuses := make(map[string]ComponentStatus, len(h.checks))
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		allOk = true
	)
	for name, check := range h.checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()
			start := time.Now()
			st := ComponentStatus{Status: "ok"}
			if err := check(ctx); err != nil {
				st = ComponentStatus{Status: "error", Error: err.Error()}
				// Always log failures
				h.log.LogErrorf("Health check failed for %s after %v: %v", name, time.Since(start), err)
			} else {
				h.log.LogDebugf("Health check passed for %s in %v", name, time.Since(start))
			}
			mu.Lock()
			statuses[name] = st
			if st.Status != "ok" {
				allOk = false
			}
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()
	return statuses, allOk
}

// HandleHealth responds with the system's health status, including dependencies
func (h *HealthHandler) HandleHealth(c *fiber.Ctx) error {
	startTime := time.Now()
	statuses, allOk := h.Run(c.UserContext())

	response := OverallHealth{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Ready:         h.ready.Load(),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Components:    statuses,
	}

	// Application must be ready AND all components healthy
	if allOk && response.Ready {
		response.OverallStatus = "ok"
		h.log.LogDebugf("Health check completed successfully in %v", time.Since(startTime))
		return c.Status(http.StatusOK).JSON(response)
	}

	if !response.Ready {
		response.OverallStatus = "starting"
		h.log.LogDebugf("Health check: application not ready (uptime: %v)", time.Since(h.startTime))
		return c.Status(http.StatusServiceUnavailable).JSON(response)
	}

	response.OverallStatus = "error"
	failing := make([]string, 0, len(statuses))
	for name, st := range statuses {
		if st.Status != "ok" {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	h.log.LogWarnf("Health check failed after %v: %v", time.Since(startTime), failing)
	return c.Status(http.StatusServiceUnavailable).JSON(response)
}

func HealthLimiter() fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        300,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(429).JSON(fiber.Map{"error": "Rate limit exceeded"})
		},
	})
}
