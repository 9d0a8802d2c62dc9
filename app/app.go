// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires the radio backend, device registry, bridge and HTTP
// servers into a runnable service.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/soothill/ble-battery-bridge/bridge"
	"github.com/soothill/ble-battery-bridge/config"
	"github.com/soothill/ble-battery-bridge/pkg/logger"
	"github.com/soothill/ble-battery-bridge/pkg/slacknotifier"
	"github.com/soothill/ble-battery-bridge/radio"
	"github.com/soothill/ble-battery-bridge/registry"
	"github.com/soothill/ble-battery-bridge/server"
)

const (
	signalChannelSize = 1
	shutdownTimeout   = 5 * time.Second
	scanRetryInterval = 2 * time.Second
	dnssdServiceType  = "_blebridge._tcp"
)

// App represents the main application
type App struct {
	cfg         *config.Config
	apiPort     string
	metricsPort string

	adapter       radio.Adapter
	registry      *registry.Registry
	manager       *bridge.Manager
	apiServer     *server.Server
	metricsServer *http.Server
	notifier      *slacknotifier.Notifier
	zeroconfSrv   *zeroconf.Server

	configWatcher *config.Watcher
	configChan    chan *config.Config

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new application instance
func New(cfg *config.Config, apiPort, metricsPort, configPath string) (*App, error) {
	app := &App{
		cfg:         cfg,
		apiPort:     apiPort,
		metricsPort: metricsPort,
	}

	if err := app.initializeComponents(); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	app.configChan = make(chan *config.Config, 1)
	app.configWatcher = config.NewWatcher(configPath, app.configChan)

	return app, nil
}

// Run starts the application and blocks until shutdown
func (a *App) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	a.ctx = ctx
	a.cancel = cancel
	defer a.cancel()

	if err := a.manager.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start device bridge")
	}

	a.startMetricsServer()
	a.apiServer.Start()
	a.setupSignalHandler()
	a.startConfigWatcher()
	a.startScanSupervisor(ctx)
	a.announceService()

	a.runMainLoop(ctx)
}

// initializeComponents initializes all application components
func (a *App) initializeComponents() error {
	a.notifier = slacknotifier.New(a.cfg.Notifications.SlackWebhookURL)
	if a.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	adapter, err := a.buildAdapter()
	if err != nil {
		return err
	}
	a.adapter = adapter

	a.registry = registry.New(a.cfg.Bridge.DeviceStaleAfter)
	a.manager = bridge.NewManager(a.adapter, a.registry, a.cfg.Bridge.RequestTimeout, a.notifier)
	a.apiServer = server.New(a.manager, ":"+a.apiPort)

	// Create rate limiters for health endpoints
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)

	// Setup HTTP handlers
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, func(w http.ResponseWriter, r *http.Request) {
		readinessCheckHandler(w, r, a.manager)
	}))

	a.metricsServer = &http.Server{
		Addr:    "localhost:" + a.metricsPort,
		Handler: mux,
	}

	return nil
}

// buildAdapter selects the radio backend named by the configuration.
func (a *App) buildAdapter() (radio.Adapter, error) {
	switch a.cfg.Radio.Backend {
	case config.BackendSimulated:
		sim := radio.NewSimulatedAdapter(radio.DefaultSimulatedPeripherals()...)
		sim.SetLatency(a.cfg.Radio.Simulated.Latency)
		sim.SetAdvertiseInterval(a.cfg.Radio.Simulated.AdvertiseInterval)
		logger.Info().
			Dur("latency", a.cfg.Radio.Simulated.Latency).
			Dur("advertise_interval", a.cfg.Radio.Simulated.AdvertiseInterval).
			Msg("Using simulated radio backend")
		return sim, nil
	case config.BackendHardware:
		logger.Info().Msg("Using hardware radio backend")
		return radio.NewHardwareAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown radio backend %q", a.cfg.Radio.Backend)
	}
}

// startMetricsServer starts the HTTP server for metrics and health checks
func (a *App) startMetricsServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.metricsServer.Addr).Msg("Starting metrics and health check server (localhost only)")
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// startScanSupervisor keeps advertisement scanning running whenever the
// radio is powered on. The first scan starts as soon as the radio reports
// powered-on; after power flaps, the ticker rearms it.
func (a *App) startScanSupervisor(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		if err := a.manager.WaitForPowerOn(ctx); err != nil {
			return
		}
		if err := a.manager.StartScan(); err != nil {
			logger.Error().Err(err).Msg("Failed to start scanning")
		}

		ticker := time.NewTicker(scanRetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info().Msg("Scan supervisor shutting down")
				return
			case <-ticker.C:
				if a.manager.Ready() && !a.manager.Scanning() {
					if err := a.manager.StartScan(); err != nil {
						logger.Error().Err(err).Msg("Failed to restart scanning")
					}
				}
			}
		}
	}()
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		a.performGracefulShutdown()
	}()
}

// startConfigWatcher starts a goroutine to listen for config file reloads
func (a *App) startConfigWatcher() {
	a.configWatcher.Start(a.ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case cfg := <-a.configChan:
				a.applyConfigUpdate(cfg)
			}
		}
	}()
}

// applyConfigUpdate applies the dynamic subset of a reloaded configuration.
// Structural settings (backend, ports, stale window) require a restart.
func (a *App) applyConfigUpdate(cfg *config.Config) {
	a.cfg = cfg

	logger.SetLevel(cfg.Logging.Level)
	a.notifier.UpdateWebhookURL(cfg.Notifications.SlackWebhookURL)
	a.manager.SetRequestTimeout(cfg.Bridge.RequestTimeout)

	logger.Info().
		Str("log_level", cfg.Logging.Level).
		Dur("request_timeout", cfg.Bridge.RequestTimeout).
		Msg("Application configuration updated")
}

// announceService publishes the API endpoint over DNS-SD when enabled.
func (a *App) announceService() {
	if !a.cfg.API.Announce {
		return
	}

	port, err := strconv.Atoi(a.apiPort)
	if err != nil {
		logger.Error().Err(err).Str("port", a.apiPort).Msg("Cannot announce service: invalid API port")
		return
	}

	srv, err := zeroconf.Register(a.cfg.API.ServiceName, dnssdServiceType, "local.", port,
		[]string{"path=/devices"}, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to announce service over DNS-SD")
		return
	}

	a.zeroconfSrv = srv
	logger.Info().
		Str("instance", a.cfg.API.ServiceName).
		Str("service", dnssdServiceType).
		Int("port", port).
		Msg("Service announced over DNS-SD")
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	devices := a.manager.ListDevices()
	logger.Info().
		Int("devices_in_registry", len(devices)).
		Int("pending_requests", a.manager.PendingRequests()).
		Bool("scanning", a.manager.Scanning()).
		Str("power_state", a.manager.PowerState().String()).
		Msg("Bridge state")

	for _, device := range devices {
		event := logger.Info().Str("identifier", device.ID.String())
		if device.Name != nil {
			event = event.Str("name", *device.Name)
		}
		if device.RSSI != nil {
			event = event.Int("rssi", *device.RSSI)
		}
		if device.Connectable != nil {
			event = event.Bool("connectable", *device.Connectable)
		}
		event.Msg("Known device")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}

// runMainLoop blocks until shutdown is requested, then cleans up.
func (a *App) runMainLoop(ctx context.Context) {
	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	a.performCleanup()
}

// performGracefulShutdown handles graceful shutdown of all components
func (a *App) performGracefulShutdown() {
	logger.Info().Msg("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	} else {
		logger.Info().Msg("API server stopped")
	}
	if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Metrics server shutdown error")
	}

	if a.zeroconfSrv != nil {
		a.zeroconfSrv.Shutdown()
	}
	a.configWatcher.Stop()
	a.cancel()
}

// performCleanup stops the bridge and waits for goroutines to finish
func (a *App) performCleanup() {
	// Stop fails any in-flight fetches and releases the radio.
	a.manager.Stop()

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()
	logger.Info().Msg("All goroutines finished, exiting")
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded for health endpoint")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// healthCheckHandler handles health check requests
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler handles readiness check requests
func readinessCheckHandler(w http.ResponseWriter, _ *http.Request, manager *bridge.Manager) {
	if !manager.Ready() {
		state := manager.PowerState()
		logger.Warn().Str("power_state", state.String()).Msg("Readiness check failed: radio not powered on")
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, writeErr := w.Write([]byte("NOT READY: radio " + state.String())); writeErr != nil {
			logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}
