// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/soothill/ble-battery-bridge/bridge"
	"github.com/soothill/ble-battery-bridge/config"
	"github.com/soothill/ble-battery-bridge/radio"
	"github.com/soothill/ble-battery-bridge/registry"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.API.ServiceName = "test-bridge"
	cfg.Radio.Backend = config.BackendSimulated
	cfg.Radio.Simulated.Latency = time.Millisecond
	cfg.Radio.Simulated.AdvertiseInterval = 50 * time.Millisecond
	cfg.Bridge.RequestTimeout = time.Second
	cfg.Bridge.DeviceStaleAfter = time.Minute
	cfg.Logging.Level = "error"
	return cfg
}

func TestHealthCheckHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	healthCheckHandler(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthCheckHandler() status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if w.Body.String() != "OK" {
		t.Errorf("healthCheckHandler() body = %s, want OK", w.Body.String())
	}
}

func TestReadinessCheckHandler_NotPowered(t *testing.T) {
	adapter := radio.NewSimulatedAdapter()
	manager := bridge.NewManager(adapter, registry.New(time.Minute), time.Second, nil)
	// The manager is never started, so the radio stays in its unknown state.

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()

	readinessCheckHandler(w, req, manager)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readinessCheckHandler() status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}

	if !strings.Contains(w.Body.String(), "NOT READY") {
		t.Errorf("readinessCheckHandler() body = %s, want to contain 'NOT READY'", w.Body.String())
	}
}

func TestReadinessCheckHandler_Ready(t *testing.T) {
	adapter := radio.NewSimulatedAdapter()
	manager := bridge.NewManager(adapter, registry.New(time.Minute), time.Second, nil)
	if err := manager.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer manager.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := manager.WaitForPowerOn(ctx); err != nil {
		t.Fatalf("WaitForPowerOn() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()

	readinessCheckHandler(w, req, manager)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("readinessCheckHandler() status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if w.Body.String() != "READY" {
		t.Errorf("readinessCheckHandler() body = %s, want READY", w.Body.String())
	}
}

func TestBuildAdapter_Simulated(t *testing.T) {
	a := &App{cfg: testConfig()}

	adapter, err := a.buildAdapter()
	if err != nil {
		t.Fatalf("buildAdapter() error = %v", err)
	}

	if _, ok := adapter.(*radio.SimulatedAdapter); !ok {
		t.Errorf("buildAdapter() = %T, want *radio.SimulatedAdapter", adapter)
	}
}

func TestBuildAdapter_UnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Radio.Backend = "carrier-pigeon"
	a := &App{cfg: cfg}

	if _, err := a.buildAdapter(); err == nil {
		t.Error("buildAdapter() expected error for unknown backend, got nil")
	}
}

func TestInitializeComponents(t *testing.T) {
	a := &App{cfg: testConfig(), apiPort: "18099", metricsPort: "19099"}

	if err := a.initializeComponents(); err != nil {
		t.Fatalf("initializeComponents() error = %v", err)
	}

	if a.manager == nil {
		t.Error("Expected manager to be created")
	}
	if a.apiServer == nil {
		t.Error("Expected API server to be created")
	}
	if a.notifier == nil {
		t.Error("Expected notifier to be created")
	}
	if a.metricsServer == nil {
		t.Fatal("Expected metrics server to be created")
	}
	if a.metricsServer.Addr != "localhost:19099" {
		t.Errorf("Metrics server addr = %s, want localhost:19099", a.metricsServer.Addr)
	}
}

func TestInitializeComponents_UnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Radio.Backend = "quantum"
	a := &App{cfg: cfg, apiPort: "18099", metricsPort: "19099"}

	if err := a.initializeComponents(); err == nil {
		t.Error("Expected error for unknown backend, got nil")
	}
}

func TestApplyConfigUpdate(t *testing.T) {
	a := &App{cfg: testConfig(), apiPort: "18099", metricsPort: "19099"}
	if err := a.initializeComponents(); err != nil {
		t.Fatalf("initializeComponents() error = %v", err)
	}

	if a.notifier.IsEnabled() {
		t.Fatal("Notifier should start disabled without a webhook URL")
	}

	newCfg := testConfig()
	newCfg.Bridge.RequestTimeout = 3 * time.Second
	newCfg.Notifications.SlackWebhookURL = "https://hooks.slack.com/services/TEST/TEST/TEST"

	a.applyConfigUpdate(newCfg)

	if a.cfg != newCfg {
		t.Error("Expected configuration to be replaced")
	}
	if !a.notifier.IsEnabled() {
		t.Error("Expected notifier to pick up the new webhook URL")
	}
}

func TestRateLimitMiddleware_WithinLimit(t *testing.T) {
	limiter := rate.NewLimiter(10, 20)

	testHandler := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}

	rateLimitedHandler := rateLimitMiddleware(limiter, testHandler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	rateLimitedHandler(w, req)

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("rateLimitMiddleware() status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if w.Body.String() != "OK" {
		t.Errorf("rateLimitMiddleware() body = %s, want OK", w.Body.String())
	}
}

func TestRateLimitMiddleware_ExceedLimit(t *testing.T) {
	// 1 request per second with a burst of 1: the second request must be
	// rejected.
	limiter := rate.NewLimiter(1, 1)

	testHandler := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}

	rateLimitedHandler := rateLimitMiddleware(limiter, testHandler)

	req1 := httptest.NewRequest(http.MethodGet, "/health", nil)
	w1 := httptest.NewRecorder()
	rateLimitedHandler(w1, req1)

	if w1.Code != http.StatusOK {
		t.Errorf("First request: status = %d, want %d", w1.Code, http.StatusOK)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
	w2 := httptest.NewRecorder()
	rateLimitedHandler(w2, req2)

	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("Second request: status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}

	if !strings.Contains(w2.Body.String(), "Rate limit exceeded") {
		t.Errorf("Second request: body = %s, want to contain 'Rate limit exceeded'", w2.Body.String())
	}
}

func TestRateLimitMiddleware_BurstCapacity(t *testing.T) {
	limiter := rate.NewLimiter(1, 5)

	testHandler := func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}

	rateLimitedHandler := rateLimitMiddleware(limiter, testHandler)

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		rateLimitedHandler(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: status = %d, want %d", i+1, w.Code, http.StatusOK)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	rateLimitedHandler(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Request 6: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}
