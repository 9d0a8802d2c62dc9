// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package radio

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soothill/ble-battery-bridge/pkg/errors"
)

const (
	defaultSimulatedLatency   = 20 * time.Millisecond
	defaultAdvertiseInterval  = 250 * time.Millisecond
	simulatedLatencyJitterMs  = 15
	simulatedDropDisconnectMs = 10
)

// SimulatedPeripheral describes one scripted peripheral served by the
// simulated backend. The failure flags select which stage of a battery
// fetch misbehaves; all false means a clean fetch.
type SimulatedPeripheral struct {
	ID           uuid.UUID
	Name         string
	RSSI         int
	Connectable  bool
	BatteryLevel byte

	// MissingService advertises no battery service after discovery.
	MissingService bool
	// MissingCharacteristic exposes the battery service without the
	// level characteristic.
	MissingCharacteristic bool
	// EmptyPayload answers reads with a zero-length value.
	EmptyPayload bool
	// RefuseConnection fails every connection attempt.
	RefuseConnection bool
	// DropAfterConnect disconnects shortly after a connection succeeds.
	DropAfterConnect bool
	// Unresponsive swallows every request after the advertisement,
	// exercising the timeout path.
	Unresponsive bool
}

// SimulatedAdapter is a scripted in-process radio backend. It emits the
// same event sequences a hardware backend would, with small artificial
// latencies, and adds test hooks for power-state transitions.
type SimulatedAdapter struct {
	mu          sync.Mutex
	emit        func(Event)
	closed      bool
	scanning    bool
	stopScan    chan struct{}
	latency     time.Duration
	interval    time.Duration
	peripherals map[uuid.UUID]*simulatedPeripheralState
}

type simulatedPeripheralState struct {
	SimulatedPeripheral
	connected bool
}

// NewSimulatedAdapter creates a simulated backend serving the given
// peripherals.
func NewSimulatedAdapter(peripherals ...SimulatedPeripheral) *SimulatedAdapter {
	a := &SimulatedAdapter{
		latency:     defaultSimulatedLatency,
		interval:    defaultAdvertiseInterval,
		peripherals: make(map[uuid.UUID]*simulatedPeripheralState),
	}
	for _, p := range peripherals {
		a.peripherals[p.ID] = &simulatedPeripheralState{SimulatedPeripheral: p}
	}
	return a
}

// DefaultSimulatedPeripherals returns the demo set used when the
// service runs with the simulated backend and no hardware.
func DefaultSimulatedPeripherals() []SimulatedPeripheral {
	return []SimulatedPeripheral{
		{ID: uuid.New(), Name: "Kitchen Thermometer", RSSI: -48, Connectable: true, BatteryLevel: 82},
		{ID: uuid.New(), Name: "Fitness Band", RSSI: -61, Connectable: true, BatteryLevel: 47},
		{ID: uuid.New(), Name: "Tile Tracker", RSSI: -77, Connectable: true, BatteryLevel: 12},
	}
}

// SetLatency overrides the simulated per-call latency. Tests use short
// values to keep runs fast.
func (a *SimulatedAdapter) SetLatency(d time.Duration) {
	a.mu.Lock()
	a.latency = d
	a.mu.Unlock()
}

// SetAdvertiseInterval overrides how often each peripheral advertises.
func (a *SimulatedAdapter) SetAdvertiseInterval(d time.Duration) {
	a.mu.Lock()
	a.interval = d
	a.mu.Unlock()
}

// Initialize registers the sink and reports the radio as powered on.
func (a *SimulatedAdapter) Initialize(emit func(Event)) error {
	a.mu.Lock()
	a.emit = emit
	a.mu.Unlock()

	a.emitEvent(PowerStateChanged{State: PowerOn})
	return nil
}

// SetPowerState injects a power transition. Transitions away from
// powered-on stop the advertisement feed and drop every open link,
// matching how real stacks behave.
func (a *SimulatedAdapter) SetPowerState(state PowerState) {
	a.mu.Lock()
	if state != PowerOn {
		a.stopScanLocked()
		for _, p := range a.peripherals {
			p.connected = false
		}
	}
	a.mu.Unlock()

	a.emitEvent(PowerStateChanged{State: state})
}

// StartScan starts the advertisement feed.
func (a *SimulatedAdapter) StartScan() error {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return nil
	}
	a.scanning = true
	stop := make(chan struct{})
	a.stopScan = stop
	interval := a.interval
	a.mu.Unlock()

	go a.advertiseLoop(stop, interval)
	return nil
}

// advertiseLoop emits one advertisement per peripheral per interval,
// starting immediately so callers never wait a full tick.
func (a *SimulatedAdapter) advertiseLoop(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.emitAdvertisements()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.emitAdvertisements()
		}
	}
}

func (a *SimulatedAdapter) emitAdvertisements() {
	a.mu.Lock()
	peripherals := make([]SimulatedPeripheral, 0, len(a.peripherals))
	for _, p := range a.peripherals {
		peripherals = append(peripherals, p.SimulatedPeripheral)
	}
	a.mu.Unlock()

	for _, p := range peripherals {
		name := p.Name
		rssi := p.RSSI
		connectable := p.Connectable
		ev := AdvertisementReceived{ID: p.ID, RSSI: &rssi, Connectable: &connectable}
		if name != "" {
			ev.Name = &name
		}
		a.emitEvent(ev)
	}
}

// StopScan stops the advertisement feed.
func (a *SimulatedAdapter) StopScan() error {
	a.mu.Lock()
	a.stopScanLocked()
	a.mu.Unlock()
	return nil
}

func (a *SimulatedAdapter) stopScanLocked() {
	if a.scanning {
		close(a.stopScan)
		a.scanning = false
	}
}

// Lookup reports whether the peripheral is addressable by the backend.
func (a *SimulatedAdapter) Lookup(id uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.peripherals[id]
	return ok
}

// Connect scripts a connection attempt.
func (a *SimulatedAdapter) Connect(id uuid.UUID) error {
	a.mu.Lock()
	p, ok := a.peripherals[id]
	a.mu.Unlock()
	if !ok {
		return errors.NewRadioError("connect", id.String(), errors.ErrNotFound)
	}
	if p.Unresponsive {
		return nil
	}

	go func() {
		a.sleep()
		if p.RefuseConnection {
			a.emitEvent(PeripheralConnectFailed{ID: id, Err: fmt.Errorf("simulated connection refused")})
			return
		}

		a.mu.Lock()
		p.connected = true
		a.mu.Unlock()
		a.emitEvent(PeripheralConnected{ID: id})

		if p.DropAfterConnect {
			time.Sleep(simulatedDropDisconnectMs * time.Millisecond)
			a.mu.Lock()
			p.connected = false
			a.mu.Unlock()
			a.emitEvent(PeripheralDisconnected{ID: id, Err: fmt.Errorf("simulated link drop")})
		}
	}()

	return nil
}

// Disconnect scripts a link teardown.
func (a *SimulatedAdapter) Disconnect(id uuid.UUID) error {
	a.mu.Lock()
	p, ok := a.peripherals[id]
	connected := ok && p.connected
	if connected {
		p.connected = false
	}
	a.mu.Unlock()
	if !connected {
		return nil
	}

	go func() {
		a.sleep()
		a.emitEvent(PeripheralDisconnected{ID: id})
	}()
	return nil
}

// DiscoverServices scripts service discovery.
func (a *SimulatedAdapter) DiscoverServices(id uuid.UUID, serviceUUIDs []string) error {
	p, err := a.connectedPeripheral("discover services", id)
	if err != nil {
		return err
	}
	if p.Unresponsive {
		return nil
	}

	go func() {
		a.sleep()
		var services []string
		if !p.MissingService && matchesFilter(BatteryServiceUUID, serviceUUIDs) {
			services = append(services, BatteryServiceUUID)
		}
		a.emitEvent(ServicesDiscovered{ID: id, Services: services})
	}()
	return nil
}

// DiscoverCharacteristics scripts characteristic discovery.
func (a *SimulatedAdapter) DiscoverCharacteristics(id uuid.UUID, serviceUUID string, characteristicUUIDs []string) error {
	p, err := a.connectedPeripheral("discover characteristics", id)
	if err != nil {
		return err
	}
	if p.Unresponsive {
		return nil
	}

	go func() {
		a.sleep()
		var chars []string
		if ShortUUID(serviceUUID) == BatteryServiceUUID &&
			!p.MissingCharacteristic &&
			matchesFilter(BatteryLevelCharacteristicUUID, characteristicUUIDs) {
			chars = append(chars, BatteryLevelCharacteristicUUID)
		}
		a.emitEvent(CharacteristicsDiscovered{ID: id, Service: ShortUUID(serviceUUID), Characteristics: chars})
	}()
	return nil
}

// ReadCharacteristic scripts a characteristic read.
func (a *SimulatedAdapter) ReadCharacteristic(id uuid.UUID, characteristicUUID string) error {
	p, err := a.connectedPeripheral("read characteristic", id)
	if err != nil {
		return err
	}
	if p.Unresponsive {
		return nil
	}

	go func() {
		a.sleep()
		short := ShortUUID(characteristicUUID)
		if p.EmptyPayload {
			a.emitEvent(ValueUpdated{ID: id, Characteristic: short, Value: []byte{}})
			return
		}
		a.emitEvent(ValueUpdated{ID: id, Characteristic: short, Value: []byte{p.BatteryLevel}})
	}()
	return nil
}

// Close stops the feed and silences the backend.
func (a *SimulatedAdapter) Close() error {
	a.mu.Lock()
	a.stopScanLocked()
	a.closed = true
	a.mu.Unlock()
	return nil
}

func (a *SimulatedAdapter) connectedPeripheral(op string, id uuid.UUID) (*simulatedPeripheralState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peripherals[id]
	if !ok {
		return nil, errors.NewRadioError(op, id.String(), errors.ErrNotFound)
	}
	if !p.connected && !p.Unresponsive {
		return nil, errors.NewRadioError(op, id.String(), errors.ErrConnectionFailed)
	}
	return p, nil
}

// sleep simulates per-call radio latency with a little jitter.
func (a *SimulatedAdapter) sleep() {
	a.mu.Lock()
	latency := a.latency
	a.mu.Unlock()
	time.Sleep(latency + time.Duration(rand.Intn(simulatedLatencyJitterMs))*time.Millisecond)
}

func (a *SimulatedAdapter) emitEvent(e Event) {
	a.mu.Lock()
	emit := a.emit
	closed := a.closed
	a.mu.Unlock()
	if closed || emit == nil {
		return
	}
	emit(e)
}

// matchesFilter reports whether an attribute passes a discovery filter.
// An empty filter matches everything.
func matchesFilter(short string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if ShortUUID(f) == short {
			return true
		}
	}
	return false
}

// Compile-time check that SimulatedAdapter implements Adapter.
var _ Adapter = (*SimulatedAdapter)(nil)
