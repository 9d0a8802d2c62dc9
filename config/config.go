// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the BLE Battery Bridge.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/soothill/ble-battery-bridge/pkg/errors"
	"github.com/soothill/ble-battery-bridge/pkg/util"
)

// Backend names accepted by radio.backend.
const (
	BackendHardware  = "hardware"
	BackendSimulated = "simulated"
)

// Config represents the application configuration
type Config struct {
	API           APIConfig           `yaml:"api"`
	Radio         RadioConfig         `yaml:"radio"`
	Bridge        BridgeConfig        `yaml:"bridge"`
	Logging       LoggingConfig       `yaml:"logging"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// APIConfig holds settings for the public REST API
type APIConfig struct {
	// Announce publishes the API endpoint over DNS-SD when true.
	Announce    bool   `yaml:"announce"`
	ServiceName string `yaml:"service_name" validate:"required"`
}

// RadioConfig selects and tunes the radio backend
type RadioConfig struct {
	Backend   string          `yaml:"backend" validate:"required,oneof=hardware simulated"`
	Simulated SimulatedConfig `yaml:"simulated"`
}

// SimulatedConfig tunes the simulated radio backend
type SimulatedConfig struct {
	Latency           time.Duration `yaml:"latency"`
	AdvertiseInterval time.Duration `yaml:"advertise_interval"`
}

// BridgeConfig holds battery fetch settings
type BridgeConfig struct {
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	DeviceStaleAfter time.Duration `yaml:"device_stale_after"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level" validate:"required,oneof=debug info warn warning error fatal panic"`
}

// NotificationsConfig holds alerting settings
type NotificationsConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url" validate:"omitempty,url"`
}

var validate = validator.New()

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides and defaults
	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	// Validate configuration
	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if backend := os.Getenv("RADIO_BACKEND"); backend != "" {
		c.Radio.Backend = backend
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if url := os.Getenv("SLACK_WEBHOOK_URL"); url != "" {
		c.Notifications.SlackWebhookURL = url
	}
	if timeout := os.Getenv("BRIDGE_REQUEST_TIMEOUT"); timeout != "" {
		duration, parseErr := time.ParseDuration(timeout)
		if parseErr == nil {
			c.Bridge.RequestTimeout = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse BRIDGE_REQUEST_TIMEOUT '%s': %v\n", timeout, parseErr)
		}
	}
	if staleAfter := os.Getenv("BRIDGE_DEVICE_STALE_AFTER"); staleAfter != "" {
		duration, parseErr := time.ParseDuration(staleAfter)
		if parseErr == nil {
			c.Bridge.DeviceStaleAfter = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse BRIDGE_DEVICE_STALE_AFTER '%s': %v\n", staleAfter, parseErr)
		}
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.API.ServiceName == "" {
		c.API.ServiceName = "ble-battery-bridge"
	}
	if c.Radio.Backend == "" {
		c.Radio.Backend = BackendHardware
	}
	if c.Radio.Simulated.Latency == 0 {
		c.Radio.Simulated.Latency = 20 * time.Millisecond
	}
	if c.Radio.Simulated.AdvertiseInterval == 0 {
		c.Radio.Simulated.AdvertiseInterval = time.Second
	}
	if c.Bridge.RequestTimeout == 0 {
		c.Bridge.RequestTimeout = 5 * time.Second
	}
	if c.Bridge.DeviceStaleAfter == 0 {
		c.Bridge.DeviceStaleAfter = 180 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.NewConfigError(fe.Namespace(), fmt.Sprintf("%v", fe.Value()),
				fmt.Errorf("failed %q validation", fe.Tag()))
		}
		return err
	}

	return c.validateDurations()
}

// validateDurations applies range checks the struct tags cannot express
func (c *Config) validateDurations() error {
	if c.Bridge.RequestTimeout < 100*time.Millisecond {
		return errors.NewConfigError("bridge.request_timeout", c.Bridge.RequestTimeout.String(),
			fmt.Errorf("must be at least 100ms"))
	}
	if c.Bridge.RequestTimeout > time.Minute {
		return errors.NewConfigError("bridge.request_timeout", c.Bridge.RequestTimeout.String(),
			fmt.Errorf("must not exceed 1 minute"))
	}
	if c.Bridge.DeviceStaleAfter < time.Second {
		return errors.NewConfigError("bridge.device_stale_after", c.Bridge.DeviceStaleAfter.String(),
			fmt.Errorf("must be at least 1 second"))
	}
	if c.Bridge.DeviceStaleAfter > 24*time.Hour {
		return errors.NewConfigError("bridge.device_stale_after", c.Bridge.DeviceStaleAfter.String(),
			fmt.Errorf("must not exceed 24 hours"))
	}
	if c.Radio.Simulated.Latency < 0 || c.Radio.Simulated.Latency > 5*time.Second {
		return errors.NewConfigError("radio.simulated.latency", c.Radio.Simulated.Latency.String(),
			fmt.Errorf("must be between 0 and 5 seconds"))
	}
	if c.Radio.Simulated.AdvertiseInterval < 10*time.Millisecond {
		return errors.NewConfigError("radio.simulated.advertise_interval", c.Radio.Simulated.AdvertiseInterval.String(),
			fmt.Errorf("must be at least 10ms"))
	}

	return nil
}
