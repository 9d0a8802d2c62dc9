// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/soothill/ble-battery-bridge/pkg/errors"
	"github.com/soothill/ble-battery-bridge/radio"
	"github.com/soothill/ble-battery-bridge/registry"
)

// mockAdapter is a hand-driven radio.Adapter. Tests script the radio by
// emitting events through it and observe stage calls on its calls channel.
type mockAdapter struct {
	mu    sync.Mutex
	emit  func(radio.Event)
	known map[uuid.UUID]bool

	connectErr error
	scanErr    error

	counts map[string]int
	calls  chan string
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		known:  make(map[uuid.UUID]bool),
		counts: make(map[string]int),
		calls:  make(chan string, 64),
	}
}

func (a *mockAdapter) record(call string) {
	a.mu.Lock()
	a.counts[call]++
	a.mu.Unlock()
	select {
	case a.calls <- call:
	default:
	}
}

func (a *mockAdapter) count(call string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[call]
}

func (a *mockAdapter) emitEvent(e radio.Event) {
	a.mu.Lock()
	emit := a.emit
	a.mu.Unlock()
	if emit != nil {
		emit(e)
	}
}

func (a *mockAdapter) Initialize(emit func(radio.Event)) error {
	a.mu.Lock()
	a.emit = emit
	a.mu.Unlock()
	return nil
}

func (a *mockAdapter) StartScan() error {
	a.record("start_scan")
	return a.scanErr
}

func (a *mockAdapter) StopScan() error {
	a.record("stop_scan")
	return nil
}

func (a *mockAdapter) Lookup(id uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.known[id]
}

func (a *mockAdapter) Connect(id uuid.UUID) error {
	a.mu.Lock()
	err := a.connectErr
	a.mu.Unlock()
	a.record("connect")
	return err
}

func (a *mockAdapter) Disconnect(id uuid.UUID) error {
	a.record("disconnect")
	return nil
}

func (a *mockAdapter) DiscoverServices(id uuid.UUID, serviceUUIDs []string) error {
	a.record("discover_services")
	return nil
}

func (a *mockAdapter) DiscoverCharacteristics(id uuid.UUID, serviceUUID string, characteristicUUIDs []string) error {
	a.record("discover_characteristics")
	return nil
}

func (a *mockAdapter) ReadCharacteristic(id uuid.UUID, characteristicUUID string) error {
	a.record("read_characteristic")
	return nil
}

func (a *mockAdapter) Close() error {
	a.record("close")
	return nil
}

var _ radio.Adapter = (*mockAdapter)(nil)

// startManager builds a manager over the mock and starts its run loop. The
// radio stays in the unknown power state until a test powers it on.
func startManager(t *testing.T, a *mockAdapter, timeout time.Duration) *Manager {
	t.Helper()
	m := NewManager(a, registry.New(time.Minute), timeout, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func powerOn(t *testing.T, a *mockAdapter, m *Manager) {
	t.Helper()
	a.emitEvent(radio.PowerStateChanged{State: radio.PowerOn})
	waitFor(t, "radio powered on", m.Ready)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForCall(t *testing.T, a *mockAdapter, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-a.calls:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s call", want)
		}
	}
}

// fetch runs GetDeviceDetail on its own goroutine so the test can feed
// radio events while the call blocks.
func fetch(m *Manager, id uuid.UUID) chan fetchResult {
	out := make(chan fetchResult, 1)
	go func() {
		detail, err := m.GetDeviceDetail(context.Background(), id)
		out <- fetchResult{detail: detail, err: err}
	}()
	return out
}

func await(t *testing.T, out chan fetchResult) fetchResult {
	t.Helper()
	select {
	case res := <-out:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fetch to resolve")
		return fetchResult{}
	}
}

func TestGetDeviceDetailReadsBatteryLevel(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	out := fetch(m, id)

	waitForCall(t, a, "connect")
	a.emitEvent(radio.PeripheralConnected{ID: id})
	waitForCall(t, a, "discover_services")
	a.emitEvent(radio.ServicesDiscovered{ID: id, Services: []string{"180f"}})
	waitForCall(t, a, "discover_characteristics")
	a.emitEvent(radio.CharacteristicsDiscovered{ID: id, Service: "180f", Characteristics: []string{"2a19"}})
	waitForCall(t, a, "read_characteristic")
	a.emitEvent(radio.ValueUpdated{ID: id, Characteristic: "2a19", Value: []byte{77}})

	res := await(t, out)
	if res.err != nil {
		t.Fatalf("GetDeviceDetail() error = %v", res.err)
	}
	if res.detail.BatteryLevel != 77 {
		t.Errorf("BatteryLevel = %d, want 77", res.detail.BatteryLevel)
	}
	if !res.detail.IsConnected {
		t.Error("IsConnected = false, want true")
	}
	if res.detail.ID != id {
		t.Errorf("ID = %s, want %s", res.detail.ID, id)
	}

	// The link is released once the reading is delivered.
	waitForCall(t, a, "disconnect")
}

func TestGetDeviceDetailExpandedUUIDs(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	out := fetch(m, id)

	// The radio reports full 128-bit forms; matching is short-form based.
	waitForCall(t, a, "connect")
	a.emitEvent(radio.PeripheralConnected{ID: id})
	waitForCall(t, a, "discover_services")
	a.emitEvent(radio.ServicesDiscovered{ID: id, Services: []string{"0000180f-0000-1000-8000-00805f9b34fb"}})
	waitForCall(t, a, "discover_characteristics")
	a.emitEvent(radio.CharacteristicsDiscovered{ID: id, Service: "0000180f-0000-1000-8000-00805f9b34fb", Characteristics: []string{"00002a19-0000-1000-8000-00805f9b34fb"}})
	waitForCall(t, a, "read_characteristic")
	a.emitEvent(radio.ValueUpdated{ID: id, Characteristic: "00002a19-0000-1000-8000-00805f9b34fb", Value: []byte{42}})

	res := await(t, out)
	if res.err != nil {
		t.Fatalf("GetDeviceDetail() error = %v", res.err)
	}
	if res.detail.BatteryLevel != 42 {
		t.Errorf("BatteryLevel = %d, want 42", res.detail.BatteryLevel)
	}
}

func TestGetDeviceDetailUnknownDevice(t *testing.T) {
	a := newMockAdapter()
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	_, err := m.GetDeviceDetail(context.Background(), uuid.New())
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("GetDeviceDetail() error = %v, want ErrNotFound", err)
	}
	if a.count("connect") != 0 {
		t.Error("no connect should be attempted for an unknown device")
	}
}

func TestGetDeviceDetailKnownThroughRegistry(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	// The device advertised but the system lookup does not know it.
	name := "Watch"
	a.emitEvent(radio.AdvertisementReceived{ID: id, Name: &name})
	waitFor(t, "advertisement processed", func() bool { return len(m.ListDevices()) == 1 })

	out := fetch(m, id)

	waitForCall(t, a, "connect")
	a.emitEvent(radio.PeripheralConnected{ID: id})
	waitForCall(t, a, "discover_services")
	a.emitEvent(radio.ServicesDiscovered{ID: id, Services: []string{"180f"}})
	waitForCall(t, a, "discover_characteristics")
	a.emitEvent(radio.CharacteristicsDiscovered{ID: id, Service: "180f", Characteristics: []string{"2a19"}})
	waitForCall(t, a, "read_characteristic")
	a.emitEvent(radio.ValueUpdated{ID: id, Characteristic: "2a19", Value: []byte{55}})

	res := await(t, out)
	if res.err != nil {
		t.Fatalf("GetDeviceDetail() error = %v", res.err)
	}
	if res.detail.Name == nil || *res.detail.Name != "Watch" {
		t.Errorf("Name = %v, want Watch", res.detail.Name)
	}
}

func TestGetDeviceDetailServiceNotFound(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	out := fetch(m, id)

	waitForCall(t, a, "connect")
	a.emitEvent(radio.PeripheralConnected{ID: id})
	waitForCall(t, a, "discover_services")
	a.emitEvent(radio.ServicesDiscovered{ID: id, Services: []string{"180d", "1805"}})

	res := await(t, out)
	if !errors.Is(res.err, errors.ErrServiceNotFound) {
		t.Errorf("GetDeviceDetail() error = %v, want ErrServiceNotFound", res.err)
	}
	if res.detail.IsConnected {
		t.Error("IsConnected should be false on failure")
	}

	// The connection is torn down after the failure.
	waitForCall(t, a, "disconnect")
}

func TestGetDeviceDetailCharacteristicNotFound(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	out := fetch(m, id)

	waitForCall(t, a, "connect")
	a.emitEvent(radio.PeripheralConnected{ID: id})
	waitForCall(t, a, "discover_services")
	a.emitEvent(radio.ServicesDiscovered{ID: id, Services: []string{"180f"}})
	waitForCall(t, a, "discover_characteristics")
	a.emitEvent(radio.CharacteristicsDiscovered{ID: id, Service: "180f", Characteristics: nil})

	res := await(t, out)
	if !errors.Is(res.err, errors.ErrCharacteristicNotFound) {
		t.Errorf("GetDeviceDetail() error = %v, want ErrCharacteristicNotFound", res.err)
	}
	waitForCall(t, a, "disconnect")
}

func TestGetDeviceDetailEmptyPayload(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	out := fetch(m, id)

	waitForCall(t, a, "connect")
	a.emitEvent(radio.PeripheralConnected{ID: id})
	waitForCall(t, a, "discover_services")
	a.emitEvent(radio.ServicesDiscovered{ID: id, Services: []string{"180f"}})
	waitForCall(t, a, "discover_characteristics")
	a.emitEvent(radio.CharacteristicsDiscovered{ID: id, Service: "180f", Characteristics: []string{"2a19"}})
	waitForCall(t, a, "read_characteristic")
	a.emitEvent(radio.ValueUpdated{ID: id, Characteristic: "2a19", Value: []byte{}})

	res := await(t, out)
	if !errors.Is(res.err, errors.ErrEmptyPayload) {
		t.Errorf("GetDeviceDetail() error = %v, want ErrEmptyPayload", res.err)
	}
	waitForCall(t, a, "disconnect")
}

func TestGetDeviceDetailConnectFailed(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	out := fetch(m, id)

	waitForCall(t, a, "connect")
	a.emitEvent(radio.PeripheralConnectFailed{ID: id, Err: errors.ErrConnectionFailed})

	res := await(t, out)
	if !errors.Is(res.err, errors.ErrConnectionFailed) {
		t.Errorf("GetDeviceDetail() error = %v, want ErrConnectionFailed", res.err)
	}

	// No connection was established, so none is torn down.
	time.Sleep(50 * time.Millisecond)
	if got := a.count("disconnect"); got != 0 {
		t.Errorf("disconnect calls = %d, want 0", got)
	}
}

func TestGetDeviceDetailUnexpectedDisconnect(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	out := fetch(m, id)

	waitForCall(t, a, "connect")
	a.emitEvent(radio.PeripheralConnected{ID: id})
	waitForCall(t, a, "discover_services")
	a.emitEvent(radio.PeripheralDisconnected{ID: id, Err: errors.ErrUnexpectedDisconnect})

	res := await(t, out)
	if !errors.Is(res.err, errors.ErrUnexpectedDisconnect) {
		t.Errorf("GetDeviceDetail() error = %v, want ErrUnexpectedDisconnect", res.err)
	}

	// The link already dropped; no extra disconnect is issued.
	time.Sleep(50 * time.Millisecond)
	if got := a.count("disconnect"); got != 0 {
		t.Errorf("disconnect calls = %d, want 0", got)
	}
}

func TestGetDeviceDetailTimeout(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, 100*time.Millisecond)
	powerOn(t, a, m)

	// The radio accepts the connect but never reports back.
	out := fetch(m, id)
	waitForCall(t, a, "connect")

	res := await(t, out)
	if !errors.Is(res.err, errors.ErrTimeout) {
		t.Errorf("GetDeviceDetail() error = %v, want ErrTimeout", res.err)
	}

	// The timed-out sequence is abandoned and the link released.
	waitForCall(t, a, "disconnect")
	waitFor(t, "pending table drained", func() bool { return m.PendingRequests() == 0 })

	// Late radio events for the dead fetch are harmless.
	a.emitEvent(radio.PeripheralConnected{ID: id})
	a.emitEvent(radio.ValueUpdated{ID: id, Characteristic: "2a19", Value: []byte{50}})
	time.Sleep(50 * time.Millisecond)
	if m.PendingRequests() != 0 {
		t.Errorf("PendingRequests() = %d, want 0", m.PendingRequests())
	}
}

func TestGetDeviceDetailAlreadyPending(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	out := fetch(m, id)
	waitForCall(t, a, "connect")

	// The second request fails fast instead of queueing.
	_, err := m.GetDeviceDetail(context.Background(), id)
	if !errors.Is(err, errors.ErrAlreadyPending) {
		t.Errorf("second GetDeviceDetail() error = %v, want ErrAlreadyPending", err)
	}

	// The first request is unaffected.
	a.emitEvent(radio.PeripheralConnected{ID: id})
	waitForCall(t, a, "discover_services")
	a.emitEvent(radio.ServicesDiscovered{ID: id, Services: []string{"180f"}})
	waitForCall(t, a, "discover_characteristics")
	a.emitEvent(radio.CharacteristicsDiscovered{ID: id, Service: "180f", Characteristics: []string{"2a19"}})
	waitForCall(t, a, "read_characteristic")
	a.emitEvent(radio.ValueUpdated{ID: id, Characteristic: "2a19", Value: []byte{64}})

	res := await(t, out)
	if res.err != nil {
		t.Errorf("first GetDeviceDetail() error = %v", res.err)
	}
	if res.detail.BatteryLevel != 64 {
		t.Errorf("BatteryLevel = %d, want 64", res.detail.BatteryLevel)
	}
}

func TestGetDeviceDetailContextCanceled(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, 200*time.Millisecond)
	powerOn(t, a, m)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan error, 1)
	go func() {
		_, err := m.GetDeviceDetail(ctx, id)
		out <- err
	}()

	waitForCall(t, a, "connect")
	cancel()

	select {
	case err := <-out:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("GetDeviceDetail() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("GetDeviceDetail() did not return after cancellation")
	}

	// The abandoned entry drains once its timeout fires.
	waitFor(t, "pending table drained", func() bool { return m.PendingRequests() == 0 })
}

func TestGetDeviceDetailFastPathAfterRead(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	out := fetch(m, id)
	waitForCall(t, a, "connect")
	a.emitEvent(radio.PeripheralConnected{ID: id})
	waitForCall(t, a, "discover_services")
	a.emitEvent(radio.ServicesDiscovered{ID: id, Services: []string{"180f"}})
	waitForCall(t, a, "discover_characteristics")
	a.emitEvent(radio.CharacteristicsDiscovered{ID: id, Service: "180f", Characteristics: []string{"2a19"}})
	waitForCall(t, a, "read_characteristic")
	a.emitEvent(radio.ValueUpdated{ID: id, Characteristic: "2a19", Value: []byte{80}})
	if res := await(t, out); res.err != nil {
		t.Fatalf("first fetch error = %v", res.err)
	}
	waitForCall(t, a, "disconnect")

	// The disconnect was requested but the radio kept the link up, so the
	// cached state still marks the characteristic as known.
	out = fetch(m, id)
	waitForCall(t, a, "read_characteristic")
	a.emitEvent(radio.ValueUpdated{ID: id, Characteristic: "2a19", Value: []byte{79}})

	res := await(t, out)
	if res.err != nil {
		t.Fatalf("second fetch error = %v", res.err)
	}
	if res.detail.BatteryLevel != 79 {
		t.Errorf("BatteryLevel = %d, want 79", res.detail.BatteryLevel)
	}
	if got := a.count("connect"); got != 1 {
		t.Errorf("connect calls = %d, want 1", got)
	}
	if got := a.count("discover_services"); got != 1 {
		t.Errorf("discover_services calls = %d, want 1", got)
	}
}

func TestGetDeviceDetailSkipsConnectWhenLinkUp(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	// The radio reports an existing connection outside any fetch.
	a.emitEvent(radio.PeripheralConnected{ID: id})
	time.Sleep(20 * time.Millisecond)

	out := fetch(m, id)

	// The fetch starts at service discovery.
	waitForCall(t, a, "discover_services")
	a.emitEvent(radio.ServicesDiscovered{ID: id, Services: []string{"180f"}})
	waitForCall(t, a, "discover_characteristics")
	a.emitEvent(radio.CharacteristicsDiscovered{ID: id, Service: "180f", Characteristics: []string{"2a19"}})
	waitForCall(t, a, "read_characteristic")
	a.emitEvent(radio.ValueUpdated{ID: id, Characteristic: "2a19", Value: []byte{33}})

	res := await(t, out)
	if res.err != nil {
		t.Fatalf("GetDeviceDetail() error = %v", res.err)
	}
	if got := a.count("connect"); got != 0 {
		t.Errorf("connect calls = %d, want 0", got)
	}
}

func TestDisconnectResetsLinkCache(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	a.emitEvent(radio.PeripheralConnected{ID: id})
	time.Sleep(20 * time.Millisecond)
	a.emitEvent(radio.PeripheralDisconnected{ID: id})
	time.Sleep(20 * time.Millisecond)

	// With the link gone the next fetch starts from connect.
	out := fetch(m, id)
	waitForCall(t, a, "connect")
	a.emitEvent(radio.PeripheralConnectFailed{ID: id, Err: errors.ErrConnectionFailed})
	await(t, out)
}

func TestPowerLossFailsPendingAndClearsRegistry(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, 5*time.Second)
	powerOn(t, a, m)

	name := "Watch"
	rssi := -50
	a.emitEvent(radio.AdvertisementReceived{ID: uuid.New(), Name: &name, RSSI: &rssi})
	waitFor(t, "advertisement processed", func() bool { return len(m.ListDevices()) == 1 })

	out := fetch(m, id)
	waitForCall(t, a, "connect")

	a.emitEvent(radio.PowerStateChanged{State: radio.PowerOff})

	res := await(t, out)
	if !errors.Is(res.err, errors.ErrRadioNotPoweredOn) {
		t.Errorf("GetDeviceDetail() error = %v, want ErrRadioNotPoweredOn", res.err)
	}
	if devices := m.ListDevices(); len(devices) != 0 {
		t.Errorf("ListDevices() after power loss = %d devices, want 0", len(devices))
	}
	if m.Ready() {
		t.Error("Ready() = true after power loss")
	}
}

func TestPowerLossErrorKinds(t *testing.T) {
	tests := []struct {
		state radio.PowerState
		want  error
	}{
		{radio.PowerOff, errors.ErrRadioNotPoweredOn},
		{radio.PowerResetting, errors.ErrNotInitialized},
		{radio.PowerUnauthorized, errors.ErrUnauthorized},
		{radio.PowerUnsupported, errors.ErrUnsupported},
		{radio.PowerUnknown, errors.ErrNotInitialized},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := powerLossError(tt.state); !errors.Is(got, tt.want) {
				t.Errorf("powerLossError(%v) = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestPowerLossFailureKindReachesCaller(t *testing.T) {
	tests := []struct {
		state radio.PowerState
		want  error
	}{
		{radio.PowerResetting, errors.ErrNotInitialized},
		{radio.PowerUnauthorized, errors.ErrUnauthorized},
		{radio.PowerUnsupported, errors.ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			a := newMockAdapter()
			id := uuid.New()
			a.known[id] = true
			m := startManager(t, a, 5*time.Second)
			powerOn(t, a, m)

			out := fetch(m, id)
			waitForCall(t, a, "connect")
			a.emitEvent(radio.PowerStateChanged{State: tt.state})

			res := await(t, out)
			if !errors.Is(res.err, tt.want) {
				t.Errorf("GetDeviceDetail() error = %v, want %v", res.err, tt.want)
			}
		})
	}
}

func TestStartScanGatedOnPower(t *testing.T) {
	a := newMockAdapter()
	m := startManager(t, a, time.Second)

	// Not powered on yet: the request is dropped, not an error.
	if err := m.StartScan(); err != nil {
		t.Errorf("StartScan() while unpowered error = %v, want nil", err)
	}
	if got := a.count("start_scan"); got != 0 {
		t.Errorf("start_scan calls = %d, want 0", got)
	}
	if m.Scanning() {
		t.Error("Scanning() = true while unpowered")
	}

	powerOn(t, a, m)

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	if got := a.count("start_scan"); got != 1 {
		t.Errorf("start_scan calls = %d, want 1", got)
	}
	if !m.Scanning() {
		t.Error("Scanning() = false after StartScan")
	}

	// Starting an active scan is a no-op.
	if err := m.StartScan(); err != nil {
		t.Errorf("StartScan() while scanning error = %v", err)
	}
	if got := a.count("start_scan"); got != 1 {
		t.Errorf("start_scan calls after repeat = %d, want 1", got)
	}
}

func TestStopScanIdempotent(t *testing.T) {
	a := newMockAdapter()
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	// Stopping before any scan is a no-op.
	m.StopScan()
	if got := a.count("stop_scan"); got != 0 {
		t.Errorf("stop_scan calls = %d, want 0", got)
	}

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	m.StopScan()
	m.StopScan()
	if got := a.count("stop_scan"); got != 1 {
		t.Errorf("stop_scan calls = %d, want 1", got)
	}
	if m.Scanning() {
		t.Error("Scanning() = true after StopScan")
	}
}

func TestScanningStopsOnPowerLoss(t *testing.T) {
	a := newMockAdapter()
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	if err := m.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}

	a.emitEvent(radio.PowerStateChanged{State: radio.PowerOff})
	waitFor(t, "scanning flag cleared", func() bool { return !m.Scanning() })
}

func TestWaitForPowerOn(t *testing.T) {
	a := newMockAdapter()
	m := startManager(t, a, time.Second)

	done := make(chan error, 1)
	go func() { done <- m.WaitForPowerOn(context.Background()) }()

	select {
	case <-done:
		t.Fatal("WaitForPowerOn() returned before power on")
	case <-time.After(50 * time.Millisecond):
	}

	a.emitEvent(radio.PowerStateChanged{State: radio.PowerOn})

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("WaitForPowerOn() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForPowerOn() did not return after power on")
	}

	// Already powered on: returns immediately.
	if err := m.WaitForPowerOn(context.Background()); err != nil {
		t.Errorf("WaitForPowerOn() while powered error = %v", err)
	}
}

func TestWaitForPowerOnContextCanceled(t *testing.T) {
	a := newMockAdapter()
	m := startManager(t, a, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.WaitForPowerOn(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitForPowerOn() error = %v, want context.Canceled", err)
	}
}

func TestListDevices(t *testing.T) {
	a := newMockAdapter()
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	id := uuid.New()
	name := "Watch"
	rssi := -50
	connectable := true
	a.emitEvent(radio.AdvertisementReceived{ID: id, Name: &name, RSSI: &rssi, Connectable: &connectable})
	waitFor(t, "advertisement processed", func() bool { return len(m.ListDevices()) == 1 })

	devices := m.ListDevices()
	if devices[0].ID != id {
		t.Errorf("ID = %s, want %s", devices[0].ID, id)
	}
	if devices[0].Name == nil || *devices[0].Name != "Watch" {
		t.Errorf("Name = %v, want Watch", devices[0].Name)
	}
	if devices[0].RSSI == nil || *devices[0].RSSI != -50 {
		t.Errorf("RSSI = %v, want -50", devices[0].RSSI)
	}
	if devices[0].Connectable == nil || !*devices[0].Connectable {
		t.Errorf("Connectable = %v, want true", devices[0].Connectable)
	}
}

func TestStrayEventsAreHarmless(t *testing.T) {
	a := newMockAdapter()
	m := startManager(t, a, time.Second)
	powerOn(t, a, m)

	id := uuid.New()
	a.emitEvent(radio.ServicesDiscovered{ID: id, Services: []string{"180f"}})
	a.emitEvent(radio.CharacteristicsDiscovered{ID: id, Service: "180f", Characteristics: []string{"2a19"}})
	a.emitEvent(radio.ValueUpdated{ID: id, Characteristic: "2a19", Value: []byte{99}})
	a.emitEvent(radio.PeripheralDisconnected{ID: id})
	a.emitEvent(radio.PeripheralConnectFailed{ID: id, Err: errors.ErrConnectionFailed})

	time.Sleep(50 * time.Millisecond)
	if m.PendingRequests() != 0 {
		t.Errorf("PendingRequests() = %d, want 0", m.PendingRequests())
	}
	if got := a.count("discover_services"); got != 0 {
		t.Errorf("stray events triggered %d discoveries, want 0", got)
	}
}

func TestStopFailsOutstandingRequests(t *testing.T) {
	a := newMockAdapter()
	id := uuid.New()
	a.known[id] = true
	m := startManager(t, a, 5*time.Second)
	powerOn(t, a, m)

	out := fetch(m, id)
	waitForCall(t, a, "connect")

	m.Stop()

	res := await(t, out)
	if res.err == nil {
		t.Error("GetDeviceDetail() should fail when the bridge stops")
	}
	if a.count("close") != 1 {
		t.Errorf("close calls = %d, want 1", a.count("close"))
	}

	// Stop is idempotent.
	m.Stop()
	if a.count("close") != 1 {
		t.Errorf("close calls after second Stop = %d, want 1", a.count("close"))
	}
}

func TestContainsUUID(t *testing.T) {
	tests := []struct {
		name  string
		uuids []string
		want  string
		found bool
	}{
		{"short form", []string{"180f"}, "180f", true},
		{"expanded form", []string{"0000180f-0000-1000-8000-00805f9b34fb"}, "180f", true},
		{"uppercase", []string{"180F"}, "180f", true},
		{"absent", []string{"180d", "1805"}, "180f", false},
		{"empty list", nil, "180f", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := containsUUID(tt.uuids, tt.want); got != tt.found {
				t.Errorf("containsUUID(%v, %q) = %v, want %v", tt.uuids, tt.want, got, tt.found)
			}
		})
	}
}
