// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/soothill/ble-battery-bridge/app"
	"github.com/soothill/ble-battery-bridge/config"
	"github.com/soothill/ble-battery-bridge/pkg/logger"
)

const healthCheckTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	apiPort := flag.String("api-port", "8080", "Port for the device API")
	metricsPort := flag.String("metrics-port", "9090", "Port for Prometheus metrics endpoint")
	healthCheck := flag.Bool("health-check", false, "Probe a running instance and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	flag.Parse()

	if *healthCheck {
		os.Exit(performHealthCheck(*metricsPort))
	}

	if *validateConfig {
		os.Exit(performConfigValidation(*configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(cfg.Logging.Level)

	logger.Info().Msg("Starting BLE Battery Bridge")
	logger.Info().Str("radio_backend", cfg.Radio.Backend).
		Dur("request_timeout", cfg.Bridge.RequestTimeout).
		Dur("device_stale_after", cfg.Bridge.DeviceStaleAfter).
		Msg("Configuration loaded")

	application, err := app.New(cfg, *apiPort, *metricsPort, *configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	setupDebugSignalHandlers(application)

	application.Run()
}

// performHealthCheck probes the readiness endpoint of a running instance
// and returns an exit code. Used as a container health check.
func performHealthCheck(metricsPort string) int {
	client := &http.Client{Timeout: healthCheckTimeout}

	resp, err := client.Get("http://localhost:" + metricsPort + "/ready")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: %s\n", string(body))
		return 1
	}

	fmt.Println("Health check passed: bridge is ready")
	return 0
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(configPath string) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	fmt.Println("\n✅ Configuration validation PASSED")
	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  Radio Backend: %s\n", cfg.Radio.Backend)
	if cfg.Radio.Backend == config.BackendSimulated {
		fmt.Printf("  Simulated Latency: %s\n", cfg.Radio.Simulated.Latency)
		fmt.Printf("  Simulated Advertise Interval: %s\n", cfg.Radio.Simulated.AdvertiseInterval)
	}
	fmt.Printf("  Request Timeout: %s\n", cfg.Bridge.RequestTimeout)
	fmt.Printf("  Device Stale After: %s\n", cfg.Bridge.DeviceStaleAfter)
	fmt.Printf("  Log Level: %s\n", cfg.Logging.Level)

	if cfg.API.Announce {
		fmt.Printf("  DNS-SD Announcement: Enabled (%s)\n", cfg.API.ServiceName)
	} else {
		fmt.Println("  DNS-SD Announcement: Disabled")
	}

	if cfg.Notifications.SlackWebhookURL != "" {
		fmt.Println("  Slack Notifications: Enabled")
	} else {
		fmt.Println("  Slack Notifications: Disabled")
	}

	fmt.Println("\nAll validation checks passed. Configuration is ready for use.")
	return 0
}
