// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the BLE Battery Bridge.
//
// This package defines custom error types that provide better error handling,
// inspection, and debugging capabilities compared to plain string errors.
//
// # Benefits of Structured Errors
//
//   - Type-safe error inspection with errors.As() and errors.Is()
//   - Context-rich error messages with operation and underlying error details
//   - Consistent error formatting across the application
//   - A stable failure-kind vocabulary shared by the HTTP boundary, metrics,
//     and logs
//
// # Example Usage
//
//	err := errors.NewBridgeError("read battery level", id.String(), errors.ErrTimeout)
//	if errors.Is(err, errors.ErrTimeout) {
//	    log.Printf("Fetch timed out: %v", err)
//	}
//
//	var bridgeErr *errors.BridgeError
//	if errors.As(err, &bridgeErr) {
//	    log.Printf("Failed operation: %s", bridgeErr.Op)
//	}
package errors

import (
	"errors"
	"fmt"
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// BridgeError represents a failure while driving a battery fetch for
// a single peripheral.
type BridgeError struct {
	Op       string // Operation being performed (e.g., "connect", "discover services")
	DeviceID string // Peripheral identifier involved in the operation
	Err      error  // Underlying error, usually one of the sentinel kinds below
}

func (e *BridgeError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("bridge %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("bridge %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("bridge %s failed", e.Op)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// NewBridgeError creates a new bridge error.
func NewBridgeError(op string, deviceID string, err error) *BridgeError {
	return &BridgeError{Op: op, DeviceID: deviceID, Err: err}
}

// IsBridgeError checks if an error is a BridgeError.
func IsBridgeError(err error) bool {
	var be *BridgeError
	return errors.As(err, &be)
}

// RadioError represents an error reported by the radio adapter when
// issuing a native call.
type RadioError struct {
	Op       string // Native call being issued (e.g., "start scan", "connect")
	DeviceID string // Peripheral identifier (if applicable)
	Err      error  // Underlying error
}

func (e *RadioError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("radio %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("radio %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("radio %s failed", e.Op)
}

func (e *RadioError) Unwrap() error {
	return e.Err
}

// NewRadioError creates a new radio error.
func NewRadioError(op string, deviceID string, err error) *RadioError {
	return &RadioError{Op: op, DeviceID: deviceID, Err: err}
}

// IsRadioError checks if an error is a RadioError.
func IsRadioError(err error) bool {
	var re *RadioError
	return errors.As(err, &re)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// NotificationError represents an error sending notifications.
type NotificationError struct {
	Type string // Notification type (e.g., "slack")
	Err  error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Type)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError creates a new notification error.
func NewNotificationError(notifType string, err error) *NotificationError {
	return &NotificationError{Type: notifType, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}

// Failure kinds for battery fetch requests. Every failed fetch resolves
// to exactly one of these, so callers can branch with errors.Is and the
// HTTP boundary can map them to status codes.
var (
	// ErrNotInitialized indicates the radio stack is not initialized or resetting
	ErrNotInitialized = errors.New("radio not initialized")

	// ErrRadioNotPoweredOn indicates the radio is not in the powered-on state
	ErrRadioNotPoweredOn = errors.New("radio not powered on")

	// ErrNotFound indicates the peripheral is unknown and unretrievable
	ErrNotFound = errors.New("device not found")

	// ErrConnectionFailed indicates the peripheral connection attempt failed
	ErrConnectionFailed = errors.New("connection failed")

	// ErrServiceNotFound indicates the peripheral does not expose the battery service
	ErrServiceNotFound = errors.New("battery service not found")

	// ErrCharacteristicNotFound indicates the battery service lacks the level characteristic
	ErrCharacteristicNotFound = errors.New("battery level characteristic not found")

	// ErrEmptyPayload indicates a characteristic read returned no bytes
	ErrEmptyPayload = errors.New("empty characteristic payload")

	// ErrUnexpectedDisconnect indicates the peripheral disconnected mid-sequence
	ErrUnexpectedDisconnect = errors.New("unexpected disconnect")

	// ErrTimeout indicates the fetch did not resolve within the request timeout
	ErrTimeout = errors.New("request timeout")

	// ErrAlreadyPending indicates a fetch for the same peripheral is outstanding
	ErrAlreadyPending = errors.New("request already pending")

	// ErrUnauthorized indicates the process lacks permission to use the radio
	ErrUnauthorized = errors.New("bluetooth use not authorized")

	// ErrUnsupported indicates the host has no usable radio hardware
	ErrUnsupported = errors.New("bluetooth not supported")
)

// Kind returns a stable short name for the failure kind in err's chain,
// or "internal" when err matches none of the sentinel kinds. The names
// are used as metric label values and in log fields.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrRadioNotPoweredOn):
		return "radio_not_powered_on"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConnectionFailed):
		return "connection_failed"
	case errors.Is(err, ErrServiceNotFound):
		return "service_not_found"
	case errors.Is(err, ErrCharacteristicNotFound):
		return "characteristic_not_found"
	case errors.Is(err, ErrEmptyPayload):
		return "empty_payload"
	case errors.Is(err, ErrUnexpectedDisconnect):
		return "unexpected_disconnect"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrAlreadyPending):
		return "already_pending"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	default:
		return "internal"
	}
}
