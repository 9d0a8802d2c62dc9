// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the BLE Battery Bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DevicesInRegistry tracks the number of peripherals currently in the registry
	DevicesInRegistry = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blebridge_registry_devices",
		Help: "Number of peripherals currently held in the device registry",
	})

	// RegistryEvictions tracks the total number of stale registry entries evicted
	RegistryEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blebridge_registry_evictions_total",
		Help: "Total number of stale registry entries evicted",
	})

	// AdvertisementsTotal tracks the total number of advertisement events ingested
	AdvertisementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blebridge_advertisements_total",
		Help: "Total number of advertisement events ingested from the radio",
	})

	// ScanActive indicates whether advertisement scanning is currently active
	ScanActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blebridge_scan_active",
		Help: "Whether advertisement scanning is currently active (1 or 0)",
	})

	// RadioPoweredOn indicates whether the radio reports the powered-on state
	RadioPoweredOn = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blebridge_radio_powered_on",
		Help: "Whether the radio is in the powered-on state (1 or 0)",
	})

	// PendingRequests tracks the number of outstanding battery fetch requests
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blebridge_pending_requests",
		Help: "Number of outstanding battery fetch requests",
	})

	// BatteryRequestsTotal tracks completed battery fetch requests by outcome
	BatteryRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blebridge_battery_requests_total",
		Help: "Total number of completed battery fetch requests by outcome",
	}, []string{"outcome"})

	// BatteryRequestDuration tracks how long a battery fetch takes end to end
	BatteryRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blebridge_battery_request_duration_seconds",
		Help:    "Duration of battery fetch requests in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BatteryLevel tracks the last battery percentage read per peripheral
	BatteryLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blebridge_battery_level_percent",
		Help: "Last battery percentage read from a peripheral",
	}, []string{"device_id", "device_name"})

	// RadioEventsTotal tracks radio events processed by the bridge event loop
	RadioEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blebridge_radio_events_total",
		Help: "Total number of radio events processed by type",
	}, []string{"type"})

	// NotificationsSent tracks the total number of webhook notifications sent
	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blebridge_notifications_sent_total",
		Help: "Total number of webhook notifications sent",
	})

	// NotificationErrors tracks the number of failed webhook notifications
	NotificationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blebridge_notification_errors_total",
		Help: "Total number of failed webhook notifications",
	})
)
