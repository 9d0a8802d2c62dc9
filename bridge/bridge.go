// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package bridge coordinates BLE peripheral discovery and battery reads.
//
// The bridge sits between the HTTP API and the radio adapter. It owns a
// single run loop goroutine that consumes radio events and caller commands
// from channels, so all connection state, fetch sequencing and registry
// updates happen in one serialization domain. Radio callbacks and API
// handlers never touch that state directly; they enqueue work and the loop
// processes it in arrival order.
//
// # Battery Fetches
//
// A battery fetch walks a peripheral through connect, service discovery,
// characteristic discovery and a value read. Each stage is driven by the
// radio event that completed the previous one. At most one fetch per
// peripheral is in flight at a time; a second request for the same
// peripheral fails immediately with ErrAlreadyPending. Link state is cached
// per peripheral, so a fetch against an already connected peripheral skips
// straight to the stage it needs.
//
// # Timeouts
//
// Every fetch is armed with a timeout when it is accepted. A fetch whose
// radio events never arrive resolves as ErrTimeout and the loop releases
// the link. Radio events that show up after the timeout find no pending
// request and are discarded.
//
// # Power Transitions
//
// When the radio leaves the powered-on state the registry is cleared, all
// cached links are dropped and every in-flight fetch fails with an error
// matching the new state. Scan requests made while the radio is off are
// logged and ignored; WaitForPowerOn lets callers hold scan startup until
// the radio comes up.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soothill/ble-battery-bridge/pkg/errors"
	"github.com/soothill/ble-battery-bridge/pkg/interfaces"
	"github.com/soothill/ble-battery-bridge/pkg/logger"
	"github.com/soothill/ble-battery-bridge/pkg/metrics"
	"github.com/soothill/ble-battery-bridge/radio"
	"github.com/soothill/ble-battery-bridge/registry"
)

const (
	// DefaultRequestTimeout bounds a battery fetch from acceptance to
	// resolution.
	DefaultRequestTimeout = 5 * time.Second

	eventChannelSize   = 256
	commandChannelSize = 64
	alertTimeout       = 5 * time.Second
)

// Manager implements the device bridge over a radio adapter.
type Manager struct {
	adapter  radio.Adapter
	registry *registry.Registry
	pending  *pendingTable
	notifier interfaces.Notifier

	events   chan radio.Event
	commands chan func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex // Protects power, scanning, powerOn, stopped
	power    radio.PowerState
	scanning bool
	powerOn  chan struct{} // closed while the radio is powered on
	stopped  bool

	// links and sequences are owned by the run loop and must not be
	// touched from any other goroutine.
	links     map[uuid.UUID]*peripheralLink
	sequences map[uuid.UUID]*fetchSequence
}

// NewManager creates a bridge over the given adapter. A non-positive
// requestTimeout selects the default. The notifier may be nil.
func NewManager(adapter radio.Adapter, reg *registry.Registry, requestTimeout time.Duration, notifier interfaces.Notifier) *Manager {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		adapter:   adapter,
		registry:  reg,
		notifier:  notifier,
		events:    make(chan radio.Event, eventChannelSize),
		commands:  make(chan func(), commandChannelSize),
		ctx:       ctx,
		cancel:    cancel,
		power:     radio.PowerUnknown,
		powerOn:   make(chan struct{}),
		links:     make(map[uuid.UUID]*peripheralLink),
		sequences: make(map[uuid.UUID]*fetchSequence),
	}
	m.pending = newPendingTable(requestTimeout, func(id uuid.UUID) {
		m.enqueue(func() { m.cancelFetch(id) })
	})
	return m
}

// Start launches the run loop and brings the radio up. The loop starts
// first so the adapter's initial power event has a consumer.
func (m *Manager) Start() error {
	m.wg.Add(1)
	go m.run()

	if err := m.adapter.Initialize(m.dispatch); err != nil {
		m.cancel()
		m.wg.Wait()
		return fmt.Errorf("failed to initialize radio: %w", err)
	}

	logger.Info().Msg("Device bridge started")
	return nil
}

// Stop fails outstanding requests, stops the run loop and closes the radio.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	m.StopScan()
	m.pending.failAll(errors.ErrNotInitialized)
	m.cancel()
	m.wg.Wait()

	if err := m.adapter.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close radio adapter")
	}
	logger.Info().Msg("Device bridge stopped")
}

// StartScan begins advertisement scanning. While the radio is not powered
// on the request is logged and dropped; it does not block waiting for
// power.
func (m *Manager) StartScan() error {
	m.mu.Lock()
	if m.power != radio.PowerOn {
		state := m.power
		m.mu.Unlock()
		logger.Warn().Str("state", state.String()).Msg("Scan requested while radio not powered on, ignoring")
		return nil
	}
	if m.scanning {
		m.mu.Unlock()
		return nil
	}
	m.scanning = true
	m.mu.Unlock()

	if err := m.adapter.StartScan(); err != nil {
		m.mu.Lock()
		m.scanning = false
		m.mu.Unlock()
		return errors.NewBridgeError("start scan", "", err)
	}

	metrics.ScanActive.Set(1)
	logger.Info().Msg("Scanning for peripherals")
	return nil
}

// StopScan stops advertisement scanning. Stopping an idle bridge is a
// no-op.
func (m *Manager) StopScan() {
	m.mu.Lock()
	if !m.scanning {
		m.mu.Unlock()
		return
	}
	m.scanning = false
	m.mu.Unlock()

	if err := m.adapter.StopScan(); err != nil {
		logger.Warn().Err(err).Msg("Failed to stop scan")
	}
	metrics.ScanActive.Set(0)
	logger.Info().Msg("Stopped scanning")
}

// ListDevices returns the recently advertised peripherals.
func (m *Manager) ListDevices() []interfaces.DeviceInfo {
	devices := m.registry.Snapshot()
	infos := make([]interfaces.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		infos = append(infos, interfaces.DeviceInfo{
			ID:          d.ID,
			Name:        d.Name,
			RSSI:        d.RSSI,
			Connectable: d.Connectable,
		})
	}
	return infos
}

// GetDeviceDetail fetches the battery level of one peripheral. The fetch
// resolves with the reading, with a failure from the radio, or with
// ErrTimeout; a second fetch for the same peripheral while one is in
// flight fails with ErrAlreadyPending.
func (m *Manager) GetDeviceDetail(ctx context.Context, id uuid.UUID) (interfaces.DeviceDetail, error) {
	const op = "fetch battery level"

	if _, known := m.registry.Get(id); !known && !m.adapter.Lookup(id) {
		return interfaces.DeviceDetail{}, errors.NewBridgeError(op, id.String(), errors.ErrNotFound)
	}

	result, err := m.pending.begin(id)
	if err != nil {
		return interfaces.DeviceDetail{}, errors.NewBridgeError(op, id.String(), err)
	}

	logger.Info().Str("device_id", id.String()).Msg("Battery fetch requested")
	m.enqueue(func() { m.startFetch(id) })

	select {
	case res := <-result:
		return res.detail, res.err
	case <-ctx.Done():
		// The entry stays pending until its timeout resolves it; the
		// buffered result channel absorbs the late delivery.
		return interfaces.DeviceDetail{}, ctx.Err()
	}
}

// WaitForPowerOn blocks until the radio reports powered-on or the context
// ends.
func (m *Manager) WaitForPowerOn(ctx context.Context) error {
	m.mu.RLock()
	powered := m.power == radio.PowerOn
	ch := m.powerOn
	m.mu.RUnlock()

	if powered {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PowerState returns the radio's last reported power state.
func (m *Manager) PowerState() radio.PowerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.power
}

// Scanning reports whether advertisement scanning is active.
func (m *Manager) Scanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// Ready reports whether the bridge can serve battery fetches.
func (m *Manager) Ready() bool {
	return m.PowerState() == radio.PowerOn
}

// PendingRequests returns the number of in-flight battery fetches.
func (m *Manager) PendingRequests() int {
	return m.pending.len()
}

// SetRequestTimeout changes the timeout for battery fetches begun after the
// call. In-flight fetches keep the timeout they started with.
func (m *Manager) SetRequestTimeout(timeout time.Duration) {
	m.pending.setTimeout(timeout)
	logger.Info().Dur("request_timeout", timeout).Msg("Request timeout updated")
}

// dispatch is handed to the adapter as its event sink. It runs on radio
// goroutines and must not touch loop-owned state.
func (m *Manager) dispatch(e radio.Event) {
	metrics.RadioEventsTotal.WithLabelValues(radio.EventName(e)).Inc()
	select {
	case m.events <- e:
	case <-m.ctx.Done():
	}
}

// enqueue hands a command to the run loop.
func (m *Manager) enqueue(cmd func()) {
	select {
	case m.commands <- cmd:
	case <-m.ctx.Done():
	}
}

// run is the single serialization domain for events and commands.
func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case e := <-m.events:
			m.handleEvent(e)
		case cmd := <-m.commands:
			cmd()
		}
	}
}

func (m *Manager) handleEvent(e radio.Event) {
	switch ev := e.(type) {
	case radio.PowerStateChanged:
		m.handlePowerStateChanged(ev)
	case radio.AdvertisementReceived:
		m.registry.Upsert(ev)
	case radio.PeripheralConnected:
		m.handleConnected(ev)
	case radio.PeripheralConnectFailed:
		m.handleConnectFailed(ev)
	case radio.PeripheralDisconnected:
		m.handleDisconnected(ev)
	case radio.ServicesDiscovered:
		m.handleServicesDiscovered(ev)
	case radio.CharacteristicsDiscovered:
		m.handleCharacteristicsDiscovered(ev)
	case radio.ValueUpdated:
		m.handleValueUpdated(ev)
	}
}

func (m *Manager) handlePowerStateChanged(ev radio.PowerStateChanged) {
	m.mu.Lock()
	prev := m.power
	m.power = ev.State
	if ev.State == radio.PowerOn {
		metrics.RadioPoweredOn.Set(1)
		if prev != radio.PowerOn {
			close(m.powerOn)
		}
	} else {
		metrics.RadioPoweredOn.Set(0)
		if prev == radio.PowerOn {
			m.powerOn = make(chan struct{})
		}
		m.scanning = false
		metrics.ScanActive.Set(0)
	}
	m.mu.Unlock()

	logger.Info().
		Str("previous", prev.String()).
		Str("state", ev.State.String()).
		Msg("Radio power state changed")

	if ev.State == radio.PowerOn {
		if prev != radio.PowerOn && prev != radio.PowerUnknown {
			m.notify("info", "Radio recovered", "Bluetooth radio is powered on again")
		}
		return
	}

	// Anything below powered-on invalidates every observation and every
	// fetch in flight.
	m.registry.Clear()
	m.links = make(map[uuid.UUID]*peripheralLink)
	m.sequences = make(map[uuid.UUID]*fetchSequence)
	m.pending.failAll(powerLossError(ev.State))
	m.notify("error", "Radio unavailable", fmt.Sprintf("Bluetooth radio reported state %s", ev.State))
}

func (m *Manager) handleConnected(ev radio.PeripheralConnected) {
	link, ok := m.links[ev.ID]
	if !ok {
		link = &peripheralLink{}
		m.links[ev.ID] = link
	}
	link.connected = true

	seq, ok := m.sequences[ev.ID]
	if !ok || seq.stage != stageConnecting {
		logger.Debug().Str("device_id", ev.ID.String()).Msg("Connected with no fetch in flight")
		return
	}

	m.advance(seq, stageServiceDiscovery)
	if err := m.adapter.DiscoverServices(ev.ID, []string{radio.BatteryServiceUUID}); err != nil {
		m.failSequence(seq, stageFailure(errors.ErrConnectionFailed, err), true)
	}
}

func (m *Manager) handleConnectFailed(ev radio.PeripheralConnectFailed) {
	delete(m.links, ev.ID)

	seq, ok := m.sequences[ev.ID]
	if !ok || seq.stage != stageConnecting {
		logger.Debug().Str("device_id", ev.ID.String()).Msg("Connect failure with no fetch in flight")
		return
	}

	// The connection never came up, so there is nothing to tear down.
	m.failSequence(seq, stageFailure(errors.ErrConnectionFailed, ev.Err), false)
}

func (m *Manager) handleDisconnected(ev radio.PeripheralDisconnected) {
	delete(m.links, ev.ID)

	seq, ok := m.sequences[ev.ID]
	if !ok {
		logger.Debug().Str("device_id", ev.ID.String()).Msg("Peripheral disconnected")
		return
	}

	// The link is already gone; no teardown to issue.
	m.failSequence(seq, stageFailure(errors.ErrUnexpectedDisconnect, ev.Err), false)
}

func (m *Manager) handleServicesDiscovered(ev radio.ServicesDiscovered) {
	seq, ok := m.sequences[ev.ID]
	if !ok || seq.stage != stageServiceDiscovery {
		logger.Debug().Str("device_id", ev.ID.String()).Msg("Service discovery result with no fetch in flight")
		return
	}

	if ev.Err != nil {
		m.failSequence(seq, stageFailure(errors.ErrConnectionFailed, ev.Err), true)
		return
	}
	if !containsUUID(ev.Services, radio.BatteryServiceUUID) {
		m.failSequence(seq, errors.ErrServiceNotFound, true)
		return
	}

	m.advance(seq, stageCharacteristicDiscovery)
	if err := m.adapter.DiscoverCharacteristics(ev.ID, radio.BatteryServiceUUID, []string{radio.BatteryLevelCharacteristicUUID}); err != nil {
		m.failSequence(seq, stageFailure(errors.ErrConnectionFailed, err), true)
	}
}

func (m *Manager) handleCharacteristicsDiscovered(ev radio.CharacteristicsDiscovered) {
	seq, ok := m.sequences[ev.ID]
	if !ok || seq.stage != stageCharacteristicDiscovery {
		logger.Debug().Str("device_id", ev.ID.String()).Msg("Characteristic discovery result with no fetch in flight")
		return
	}
	if radio.ShortUUID(ev.Service) != radio.BatteryServiceUUID {
		return
	}

	if ev.Err != nil {
		m.failSequence(seq, stageFailure(errors.ErrConnectionFailed, ev.Err), true)
		return
	}
	if !containsUUID(ev.Characteristics, radio.BatteryLevelCharacteristicUUID) {
		m.failSequence(seq, errors.ErrCharacteristicNotFound, true)
		return
	}

	if link, ok := m.links[ev.ID]; ok {
		link.batteryCharKnown = true
	}

	m.advance(seq, stageValueRead)
	if err := m.adapter.ReadCharacteristic(ev.ID, radio.BatteryLevelCharacteristicUUID); err != nil {
		m.failSequence(seq, stageFailure(errors.ErrConnectionFailed, err), true)
	}
}

func (m *Manager) handleValueUpdated(ev radio.ValueUpdated) {
	seq, ok := m.sequences[ev.ID]
	if !ok || seq.stage != stageValueRead {
		logger.Debug().Str("device_id", ev.ID.String()).Msg("Value update with no fetch in flight")
		return
	}
	if radio.ShortUUID(ev.Characteristic) != radio.BatteryLevelCharacteristicUUID {
		return
	}

	if ev.Err != nil {
		m.failSequence(seq, stageFailure(errors.ErrConnectionFailed, ev.Err), true)
		return
	}
	if len(ev.Value) == 0 {
		m.failSequence(seq, errors.ErrEmptyPayload, true)
		return
	}

	level := int(ev.Value[0])
	detail := interfaces.DeviceDetail{
		ID:           ev.ID,
		BatteryLevel: level,
		IsConnected:  true,
	}
	name := ev.ID.String()
	if device, known := m.registry.Get(ev.ID); known {
		detail.Name = device.Name
		name = device.DisplayName()
	}

	delete(m.sequences, ev.ID)
	m.pending.resolveSuccess(ev.ID, detail)

	metrics.BatteryLevel.WithLabelValues(ev.ID.String(), name).Set(float64(level))
	logger.Info().
		Str("device_id", ev.ID.String()).
		Str("device_name", name).
		Int("battery_level", level).
		Msg("Battery level read")

	// Release the link now that the reading is delivered.
	m.teardown(ev.ID)
}

// startFetch begins the fetch sequence for an accepted request, skipping
// stages the cached link state already covers.
func (m *Manager) startFetch(id uuid.UUID) {
	if _, exists := m.sequences[id]; exists {
		logger.Error().Str("device_id", id.String()).Msg("Fetch already sequenced")
		return
	}

	seq := &fetchSequence{id: id}
	m.sequences[id] = seq

	link := m.linkState(id)
	switch {
	case link.connected && link.batteryCharKnown:
		m.advance(seq, stageValueRead)
		if err := m.adapter.ReadCharacteristic(id, radio.BatteryLevelCharacteristicUUID); err != nil {
			m.failSequence(seq, stageFailure(errors.ErrConnectionFailed, err), true)
		}
	case link.connected:
		m.advance(seq, stageServiceDiscovery)
		if err := m.adapter.DiscoverServices(id, []string{radio.BatteryServiceUUID}); err != nil {
			m.failSequence(seq, stageFailure(errors.ErrConnectionFailed, err), true)
		}
	default:
		m.advance(seq, stageConnecting)
		if err := m.adapter.Connect(id); err != nil {
			// Rejected before any connection existed; nothing to tear
			// down.
			m.failSequence(seq, stageFailure(errors.ErrConnectionFailed, err), false)
		}
	}
}

// cancelFetch abandons a sequence whose request timed out and releases
// whatever the radio had set up so far.
func (m *Manager) cancelFetch(id uuid.UUID) {
	if _, ok := m.sequences[id]; !ok {
		return
	}
	logger.Warn().Str("device_id", id.String()).Msg("Battery fetch timed out, releasing link")
	delete(m.sequences, id)
	m.teardown(id)
}

// failSequence resolves the fetch as failed and optionally tears the link
// down.
func (m *Manager) failSequence(seq *fetchSequence, cause error, teardown bool) {
	err := errors.NewBridgeError(seq.stage.op(), seq.id.String(), cause)
	logger.Warn().
		Str("device_id", seq.id.String()).
		Str("stage", seq.stage.String()).
		Err(err).
		Msg("Battery fetch failed")

	delete(m.sequences, seq.id)
	m.pending.resolveFailure(seq.id, err)
	if teardown {
		m.teardown(seq.id)
	}
}

// teardown issues a best-effort disconnect.
func (m *Manager) teardown(id uuid.UUID) {
	if err := m.adapter.Disconnect(id); err != nil {
		logger.Debug().Err(err).Str("device_id", id.String()).Msg("Teardown disconnect failed")
	}
}

// advance moves a sequence to its next stage.
func (m *Manager) advance(seq *fetchSequence, to fetchStage) {
	logger.Debug().
		Str("device_id", seq.id.String()).
		Str("from", seq.stage.String()).
		Str("to", to.String()).
		Msg("Fetch advanced")
	seq.stage = to
}

// linkState returns a copy of the cached link state, zero when unknown.
func (m *Manager) linkState(id uuid.UUID) peripheralLink {
	if link, ok := m.links[id]; ok {
		return *link
	}
	return peripheralLink{}
}

// notify sends an alert without blocking the run loop.
func (m *Manager) notify(level, title, message string) {
	if m.notifier == nil || !m.notifier.IsEnabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, alertTimeout)
		defer cancel()
		if err := m.notifier.SendAlert(ctx, level, title, message); err != nil {
			logger.Error().Err(err).Msg("Failed to send alert")
		}
	}()
}

// stageFailure pairs a failure kind with the radio's underlying cause.
func stageFailure(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %v", kind, cause)
}

// powerLossError maps a power state to the error pending fetches fail
// with.
func powerLossError(state radio.PowerState) error {
	switch state {
	case radio.PowerOff:
		return errors.ErrRadioNotPoweredOn
	case radio.PowerUnauthorized:
		return errors.ErrUnauthorized
	case radio.PowerUnsupported:
		return errors.ErrUnsupported
	default:
		return errors.ErrNotInitialized
	}
}

// containsUUID reports whether want appears in uuids, comparing short
// forms.
func containsUUID(uuids []string, want string) bool {
	want = radio.ShortUUID(want)
	for _, u := range uuids {
		if radio.ShortUUID(u) == want {
			return true
		}
	}
	return false
}

var _ interfaces.DeviceBridge = (*Manager)(nil)
