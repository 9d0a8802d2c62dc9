// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package registry maintains the set of recently advertised BLE peripherals.
//
// The registry is fed by advertisement events from the radio and consumed by
// the device listing and detail operations. Each peripheral is keyed by its
// 128-bit identifier and carries the latest advertised name, signal strength
// and connectable flag.
//
// # Merge Semantics
//
// Advertisements are partial: a peripheral may advertise its name in one
// packet and omit it in the next. Upsert therefore merges rather than
// replaces. A field present in the advertisement overwrites the stored
// value; an absent field leaves the previous value in place. Every
// advertisement refreshes the last-seen timestamp.
//
// # Staleness
//
// A peripheral that has not advertised within the staleness window is
// considered gone. Eviction is lazy: stale entries are dropped on the read
// paths (Snapshot, Get) rather than by a background sweeper, so a registry
// nobody reads costs nothing.
//
// # Thread Safety
//
// All registry operations are thread-safe and use a read-write lock to
// protect the internal device map.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soothill/ble-battery-bridge/pkg/logger"
	"github.com/soothill/ble-battery-bridge/pkg/metrics"
	"github.com/soothill/ble-battery-bridge/radio"
)

// DefaultStaleAfter is the advertisement staleness window.
const DefaultStaleAfter = 180 * time.Second

// Device is one advertised peripheral as last seen by the radio.
type Device struct {
	ID          uuid.UUID
	Name        *string
	RSSI        *int
	Connectable *bool
	LastSeen    time.Time
}

// DisplayName returns the advertised name, or the identifier when the
// peripheral never advertised one.
func (d *Device) DisplayName() string {
	if d.Name != nil && *d.Name != "" {
		return *d.Name
	}
	return d.ID.String()
}

// Registry tracks advertised peripherals with lazy staleness eviction.
type Registry struct {
	staleAfter time.Duration
	devices    map[uuid.UUID]*Device
	mu         sync.RWMutex // Protects devices map
}

// New creates a registry. A non-positive staleAfter selects the default
// window.
func New(staleAfter time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Registry{
		staleAfter: staleAfter,
		devices:    make(map[uuid.UUID]*Device),
	}
}

// Upsert merges an advertisement into the registry and refreshes the
// peripheral's last-seen timestamp.
func (r *Registry) Upsert(adv radio.AdvertisementReceived) {
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.AdvertisementsTotal.Inc()

	device, known := r.devices[adv.ID]
	if !known {
		device = &Device{ID: adv.ID}
		r.devices[adv.ID] = device
	}

	if adv.Name != nil {
		device.Name = adv.Name
	}
	if adv.RSSI != nil {
		device.RSSI = adv.RSSI
	}
	if adv.Connectable != nil {
		device.Connectable = adv.Connectable
	}
	device.LastSeen = time.Now()

	metrics.DevicesInRegistry.Set(float64(len(r.devices)))

	if !known {
		logger.Info().
			Str("device_id", adv.ID.String()).
			Str("device_name", device.DisplayName()).
			Msg("Discovered peripheral")
	} else {
		logger.Debug().
			Str("device_id", adv.ID.String()).
			Msg("Refreshed peripheral advertisement")
	}
}

// Snapshot evicts stale entries and returns a copy of the remaining
// devices, sorted by identifier for stable listings.
func (r *Registry) Snapshot() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictStaleLocked()

	devices := make([]Device, 0, len(r.devices))
	for _, device := range r.devices {
		devices = append(devices, *device)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].ID.String() < devices[j].ID.String()
	})
	return devices
}

// Get returns a copy of the device with the given identifier. A stale
// entry is evicted and reported as absent.
func (r *Registry) Get(id uuid.UUID) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	if time.Since(device.LastSeen) > r.staleAfter {
		delete(r.devices, id)
		metrics.RegistryEvictions.Inc()
		metrics.DevicesInRegistry.Set(float64(len(r.devices)))
		logger.Debug().Str("device_id", id.String()).Msg("Evicted stale peripheral")
		return Device{}, false
	}
	return *device, true
}

// Clear drops every entry. Used when the radio leaves the powered-on
// state and previously observed peripherals can no longer be trusted.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.devices) > 0 {
		logger.Info().Int("count", len(r.devices)).Msg("Cleared peripheral registry")
	}
	r.devices = make(map[uuid.UUID]*Device)
	metrics.DevicesInRegistry.Set(0)
}

// Len returns the number of tracked entries, counting stale ones that
// have not been evicted yet.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// evictStaleLocked removes entries past the staleness window. Callers
// must hold the write lock.
func (r *Registry) evictStaleLocked() {
	cutoff := time.Now().Add(-r.staleAfter)
	evicted := 0

	for id, device := range r.devices {
		if device.LastSeen.Before(cutoff) {
			delete(r.devices, id)
			evicted++
		}
	}

	if evicted > 0 {
		metrics.RegistryEvictions.Add(float64(evicted))
		metrics.DevicesInRegistry.Set(float64(len(r.devices)))
		logger.Debug().Int("count", evicted).Msg("Evicted stale peripherals")
	}
}
