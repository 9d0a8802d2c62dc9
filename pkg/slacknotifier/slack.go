// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package slacknotifier provides a simple client for sending notifications to Slack
// via Incoming Webhooks.
//
// It supports basic text messages and formatted attachments with severity levels.
// Webhook posts run through a circuit breaker so a dead Slack endpoint cannot
// stall the bridge with retry storms.
//
// # Features
//
//   - Simple API for sending messages and alerts
//   - Support for Slack attachments with color-coded severity
//   - Context-aware HTTP requests with configurable timeouts
//   - Circuit breaker around webhook delivery
//   - Graceful handling of disabled notifiers (empty webhook URL)
//
// # Usage
//
//	// Create a new notifier
//	notifier := slacknotifier.New("https://hooks.slack.com/services/...")
//
//	// Check if the notifier is enabled
//	if notifier.IsEnabled() {
//	    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	    defer cancel()
//
//	    // Send a formatted alert
//	    err := notifier.SendAlert(ctx, "error", "Radio unavailable", "Power state changed to poweredOff")
//	    if err != nil {
//	        log.Printf("Failed to send alert: %v", err)
//	    }
//	}
package slacknotifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/soothill/ble-battery-bridge/pkg/errors"
	"github.com/soothill/ble-battery-bridge/pkg/logger"
	"github.com/soothill/ble-battery-bridge/pkg/metrics"
)

const (
	httpTimeout = 10 * time.Second

	// Circuit breaker settings: open after breakerMaxFailures consecutive
	// delivery failures, probe again after breakerTimeout.
	breakerMaxFailures uint32 = 5
	breakerTimeout            = 30 * time.Second
	breakerInterval           = 60 * time.Second
)

// Notifier sends notifications to Slack via webhook
type Notifier struct {
	mu         sync.RWMutex // Protects webhookURL and enabled across hot reloads
	webhookURL string
	enabled    bool

	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
}

// Message represents a Slack webhook message payload
type Message struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// New creates a new Slack notifier
func New(webhookURL string) *Notifier {
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "slack-webhook",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})

	return &Notifier{
		webhookURL: webhookURL,
		enabled:    webhookURL != "",
		client: &http.Client{
			Timeout: httpTimeout,
		},
		breaker: breaker,
	}
}

// IsEnabled returns whether Slack notifications are enabled
func (s *Notifier) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// UpdateWebhookURL updates the webhook URL for the notifier.
func (s *Notifier) UpdateWebhookURL(webhookURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhookURL = webhookURL
	s.enabled = webhookURL != ""
}

// SendMessage sends a simple text message to Slack
func (s *Notifier) SendMessage(ctx context.Context, message string) error {
	if !s.IsEnabled() {
		logger.Debug().Msg("Slack notifications disabled, skipping message")
		return nil
	}

	payload := Message{
		Text: message,
	}

	return s.sendPayload(ctx, payload)
}

// SendAlert sends a formatted alert to Slack
func (s *Notifier) SendAlert(ctx context.Context, severity, title, message string) error {
	if !s.IsEnabled() {
		logger.Debug().Msg("Slack notifications disabled, skipping alert")
		return nil
	}

	payload := Message{
		Attachments: []Attachment{
			{
				Color:  severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: "BLE Battery Bridge",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return s.sendPayload(ctx, payload)
}

// sendPayload sends a payload to the Slack webhook through the circuit breaker
func (s *Notifier) sendPayload(ctx context.Context, payload Message) error {
	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.post(ctx, payload)
	})
	if err != nil {
		metrics.NotificationErrors.Inc()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return errors.NewNotificationError("slack", fmt.Errorf("webhook circuit open: %w", err))
		}
		return errors.NewNotificationError("slack", err)
	}

	metrics.NotificationsSent.Inc()
	if len(payload.Attachments) > 0 {
		logger.Debug().Str("title", payload.Attachments[0].Title).Msg("Slack notification sent")
	} else {
		logger.Debug().Str("text", payload.Text).Msg("Slack notification sent")
	}
	return nil
}

// post performs one webhook delivery attempt
func (s *Notifier) post(ctx context.Context, payload Message) error {
	s.mu.RLock()
	url := s.webhookURL
	s.mu.RUnlock()

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// severityToColor maps severity levels to Slack colors
func severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger" // Red
	case "warning", "warn":
		return "warning" // Yellow
	case "good", "success", "info":
		return "good" // Green
	default:
		return "#808080" // Gray
	}
}
