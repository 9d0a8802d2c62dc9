// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines abstract interfaces for core system components.
// This package promotes loose coupling and testability by allowing
// dependency injection and easy mocking in tests.
package interfaces

import (
	"context"

	"github.com/google/uuid"
)

// DeviceInfo is a point-in-time view of a discovered peripheral as
// returned by device listings. Optional advertisement fields are nil
// when the peripheral never advertised them.
type DeviceInfo struct {
	ID          uuid.UUID
	Name        *string
	RSSI        *int
	Connectable *bool
}

// DeviceDetail is the result of a battery fetch for one peripheral.
// IsConnected reflects the connection status at the moment the fetch
// resolved, before any proactive teardown.
type DeviceDetail struct {
	ID           uuid.UUID
	Name         *string
	BatteryLevel int
	IsConnected  bool
}

// DeviceBridge is the caller-facing surface of the device-state bridge.
// Implementations must be safe for concurrent use.
type DeviceBridge interface {
	// StartScan begins continuous advertisement scanning. It never blocks;
	// when the radio is not powered on the request is logged and dropped
	// (nil return) and scanning stays off.
	StartScan() error

	// StopScan stops advertisement scanning. Idempotent.
	StopScan()

	// ListDevices returns the current, stale-filtered registry snapshot.
	ListDevices() []DeviceInfo

	// GetDeviceDetail fetches the battery level of one peripheral,
	// driving connect/discover/read as needed. It blocks the caller until
	// the fetch resolves (bounded by the request timeout) or ctx is done.
	GetDeviceDetail(ctx context.Context, id uuid.UUID) (DeviceDetail, error)
}
