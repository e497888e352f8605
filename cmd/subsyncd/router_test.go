package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/pkg/api"
	"github.com/mihaimyh/subsync/pkg/auth"
)

func testConfig() *config.Config {
	return &config.Config{
		Log:     config.LogConfig{Level: "info", Format: "json"},
		Storage: config.StorageConfig{Driver: "memory", Timeout: time.Second},
		Billing: config.BillingConfig{
			Provider:         "lemonsqueezy",
			APIKey:           "key",
			WebhookSecret:    "secret",
			MonthlyVariantID: "111",
			AnnualVariantID:  "222",
			Timeout:          time.Second,
		},
		Pricing: config.PricingConfig{MonthlyCents: 999, AnnualCents: 9999, Currency: "USD"},
		Sweeper: config.SweeperConfig{Interval: time.Hour, BatchSize: 10},
	}
}

func newTestRouter(t *testing.T, mutate func(*routerConfig)) http.Handler {
	t.Helper()

	a, err := newApp(context.Background(), testConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	apiHandler, err := api.NewHandler(api.Config{Service: a.service})
	require.NoError(t, err)

	rc := routerConfig{
		Provider: a.provider,
		API:      apiHandler,
		Authenticator: auth.Static(map[string]auth.Identity{
			"token-1": {UserID: "user-1"},
		}),
		Gatherer: a.registry,
		Checks:   a.backend.checks,
		Log:      zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&rc)
	}
	return newRouter(rc)
}

func TestRouter_Healthz(t *testing.T) {
	handler := newTestRouter(t, func(rc *routerConfig) {
		rc.Checks = map[string]pinger{"db": pingFunc(func(context.Context) error { return nil })}
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.Checks["db"])
}

func TestRouter_HealthzReportsFailingDependency(t *testing.T) {
	handler := newTestRouter(t, func(rc *routerConfig) {
		rc.Checks = map[string]pinger{
			"db":    pingFunc(func(context.Context) error { return nil }),
			"redis": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
		}
	})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
	assert.Contains(t, w.Body.String(), `"status":"unavailable"`)
}

func TestRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "subsync_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	handler := newTestRouter(t, func(rc *routerConfig) { rc.Gatherer = reg })

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "subsync_test_total 1")
}

func TestRouter_WebhookDiagnostics(t *testing.T) {
	handler := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/lemonsqueezy", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"provider":"lemonsqueezy"`)
}

func TestRouter_WebhookRejectsBadSignature(t *testing.T) {
	handler := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/lemonsqueezy", bytes.NewBufferString(`{"meta":{"event_name":"subscription_created"}}`))
	req.Header.Set("X-Signature", "deadbeef")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_APIRequiresAuthentication(t *testing.T) {
	handler := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, api.BasePath, nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_APIStatusWithoutSubscription(t *testing.T) {
	handler := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, api.BasePath, nil)
	req.Header.Set("Authorization", "Bearer token-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "no subscription found")
}

func TestRouter_APIHistoryIsEmpty(t *testing.T) {
	handler := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, api.BasePath+"/history", nil)
	req.Header.Set("Authorization", "Bearer token-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"history":[]`)
}

func TestRouter_UnknownPath(t *testing.T) {
	handler := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/paddle", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_CORS(t *testing.T) {
	handler := newTestRouter(t, func(rc *routerConfig) {
		rc.CORSOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, api.BasePath+"/upgrade", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	handler := requestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew", nil))

	line := buf.String()
	assert.True(t, strings.Contains(line, `"status":418`), line)
	assert.Contains(t, line, `"path":"/brew"`)
	assert.Contains(t, line, `"message":"http request"`)
}
