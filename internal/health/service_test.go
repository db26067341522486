package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h *HealthHandler) (int, OverallHealth) {
	t.Helper()
	app := fiber.New()
	app.Get("/v1/health", h.HandleHealth)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/v1/health", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body OverallHealth
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthStartingUntilReady(t *testing.T) {
	h := NewHealthHandler(map[string]Check{"ledger": func(context.Context) error { return nil }})

	code, body := get(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "starting", body.OverallStatus)

	h.SetReady()
	code, body = get(t, h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.OverallStatus)
	assert.Equal(t, "ok", body.Components["ledger"].Status)
}

func TestHealthReportsFailingComponent(t *testing.T) {
	h := NewHealthHandler(map[string]Check{
		"ledger":  func(context.Context) error { return nil },
		"browser": func(context.Context) error { return errors.New("browser process disconnected") },
	})
	h.SetReady()

	code, body := get(t, h)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "error", body.OverallStatus)
	assert.Equal(t, "error", body.Components["browser"].Status)
	assert.Equal(t, "browser process disconnected", body.Components["browser"].Error)
	assert.Equal(t, "ok", body.Components["ledger"].Status)
}
