// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package radio

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"

	"github.com/soothill/ble-battery-bridge/pkg/errors"
	"github.com/soothill/ble-battery-bridge/pkg/logger"
)

// advertisementThrottle suppresses repeat advertisement events per
// peripheral. The registry only needs the last-seen timestamp refreshed,
// not every sighting.
const advertisementThrottle = time.Second

// readBufferSize is enough for the battery level payload (one byte)
// with room for oversized responses from non-conforming peripherals.
const readBufferSize = 8

// HardwareAdapter drives a physical radio through tinygo.org/x/bluetooth.
//
// The underlying library exposes blocking calls; each one is wrapped in
// a goroutine whose outcome is emitted as an event, so callers never
// block on the radio. Native device, service, and characteristic
// handles stay inside this type.
//
// The library reports no power transitions after a successful Enable,
// so this backend emits a single PowerStateChanged(PowerOn) during
// Initialize. Hosts that lose the radio afterwards surface failures
// through the per-call events instead.
type HardwareAdapter struct {
	adapter *bluetooth.Adapter
	emit    func(Event)

	mu          sync.Mutex
	closed      bool
	scanning    bool
	lastAd      map[uuid.UUID]time.Time
	peripherals map[uuid.UUID]*hardwarePeripheral
}

// hardwarePeripheral holds the native handles for one peripheral,
// keyed by the identifiers the rest of the system uses.
type hardwarePeripheral struct {
	address         bluetooth.Address
	device          bluetooth.Device
	connected       bool
	services        map[string]bluetooth.DeviceService
	characteristics map[string]bluetooth.DeviceCharacteristic
}

// NewHardwareAdapter creates a backend on the platform default radio.
func NewHardwareAdapter() *HardwareAdapter {
	return &HardwareAdapter{
		adapter:     bluetooth.DefaultAdapter,
		lastAd:      make(map[uuid.UUID]time.Time),
		peripherals: make(map[uuid.UUID]*hardwarePeripheral),
	}
}

// Initialize enables the radio and registers the event sink. The
// adapter-level connect handler is the only disconnect signal the
// library provides, so it feeds PeripheralDisconnected events.
func (a *HardwareAdapter) Initialize(emit func(Event)) error {
	a.mu.Lock()
	a.emit = emit
	a.mu.Unlock()

	if err := a.adapter.Enable(); err != nil {
		return errors.NewRadioError("enable", "", err)
	}

	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := peripheralID(device.Address.String())

		a.mu.Lock()
		if p, ok := a.peripherals[id]; ok {
			p.connected = false
			p.services = nil
			p.characteristics = nil
		}
		a.mu.Unlock()

		a.emitEvent(PeripheralDisconnected{ID: id})
	})

	a.emitEvent(PowerStateChanged{State: PowerOn})
	return nil
}

// StartScan begins continuous scanning. The library's Scan call blocks
// until StopScan, so it runs on its own goroutine feeding advertisement
// events.
func (a *HardwareAdapter) StartScan() error {
	a.mu.Lock()
	if a.scanning {
		a.mu.Unlock()
		return nil
	}
	a.scanning = true
	a.mu.Unlock()

	go func() {
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			a.handleScanResult(result)
		})

		a.mu.Lock()
		a.scanning = false
		a.mu.Unlock()

		if err != nil {
			logger.Error().Err(err).Msg("Advertisement scan stopped with error")
		}
	}()

	return nil
}

// handleScanResult converts one scan callback into an advertisement
// event, remembering the native address for later connection attempts.
func (a *HardwareAdapter) handleScanResult(result bluetooth.ScanResult) {
	id := peripheralID(result.Address.String())
	now := time.Now()

	a.mu.Lock()
	if last, ok := a.lastAd[id]; ok && now.Sub(last) < advertisementThrottle {
		a.mu.Unlock()
		return
	}
	a.lastAd[id] = now

	if _, ok := a.peripherals[id]; !ok {
		a.peripherals[id] = &hardwarePeripheral{address: result.Address}
	}
	a.mu.Unlock()

	ev := AdvertisementReceived{ID: id}
	if name := result.LocalName(); name != "" {
		ev.Name = &name
	}
	rssi := int(result.RSSI)
	ev.RSSI = &rssi

	a.emitEvent(ev)
}

// StopScan stops advertisement scanning.
func (a *HardwareAdapter) StopScan() error {
	a.mu.Lock()
	scanning := a.scanning
	a.mu.Unlock()
	if !scanning {
		return nil
	}
	if err := a.adapter.StopScan(); err != nil {
		return errors.NewRadioError("stop scan", "", err)
	}
	return nil
}

// Lookup reports whether the peripheral has been sighted, so a direct
// connection attempt can still address it.
func (a *HardwareAdapter) Lookup(id uuid.UUID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.peripherals[id]
	return ok
}

// Connect begins a connection attempt. The library call blocks with
// its own internal timeout, so the outcome is delivered as an event.
func (a *HardwareAdapter) Connect(id uuid.UUID) error {
	a.mu.Lock()
	p, ok := a.peripherals[id]
	a.mu.Unlock()
	if !ok {
		return errors.NewRadioError("connect", id.String(), errors.ErrNotFound)
	}

	go func() {
		device, err := a.adapter.Connect(p.address, bluetooth.ConnectionParams{})
		if err != nil {
			a.emitEvent(PeripheralConnectFailed{ID: id, Err: err})
			return
		}

		a.mu.Lock()
		p.device = device
		p.connected = true
		p.services = make(map[string]bluetooth.DeviceService)
		p.characteristics = make(map[string]bluetooth.DeviceCharacteristic)
		a.mu.Unlock()

		a.emitEvent(PeripheralConnected{ID: id})
	}()

	return nil
}

// Disconnect begins a link teardown. The resulting
// PeripheralDisconnected event arrives through the connect handler.
func (a *HardwareAdapter) Disconnect(id uuid.UUID) error {
	a.mu.Lock()
	p, ok := a.peripherals[id]
	connected := ok && p.connected
	a.mu.Unlock()
	if !connected {
		return nil
	}
	if err := p.device.Disconnect(); err != nil {
		return errors.NewRadioError("disconnect", id.String(), err)
	}
	return nil
}

// DiscoverServices begins service discovery filtered to the given
// short-form UUIDs.
func (a *HardwareAdapter) DiscoverServices(id uuid.UUID, serviceUUIDs []string) error {
	a.mu.Lock()
	p, ok := a.peripherals[id]
	connected := ok && p.connected
	a.mu.Unlock()
	if !connected {
		return errors.NewRadioError("discover services", id.String(), errors.ErrConnectionFailed)
	}

	filter, err := parseAttributeUUIDs(serviceUUIDs)
	if err != nil {
		return errors.NewRadioError("discover services", id.String(), err)
	}

	go func() {
		services, err := p.device.DiscoverServices(filter)
		if err != nil {
			a.emitEvent(ServicesDiscovered{ID: id, Err: err})
			return
		}

		found := make([]string, 0, len(services))
		a.mu.Lock()
		for _, svc := range services {
			short := ShortUUID(svc.UUID().String())
			p.services[short] = svc
			found = append(found, short)
		}
		a.mu.Unlock()

		a.emitEvent(ServicesDiscovered{ID: id, Services: found})
	}()

	return nil
}

// DiscoverCharacteristics begins characteristic discovery within a
// previously discovered service.
func (a *HardwareAdapter) DiscoverCharacteristics(id uuid.UUID, serviceUUID string, characteristicUUIDs []string) error {
	a.mu.Lock()
	p, ok := a.peripherals[id]
	var svc bluetooth.DeviceService
	var haveSvc bool
	if ok && p.connected {
		svc, haveSvc = p.services[ShortUUID(serviceUUID)]
	}
	a.mu.Unlock()
	if !haveSvc {
		return errors.NewRadioError("discover characteristics", id.String(), errors.ErrServiceNotFound)
	}

	filter, err := parseAttributeUUIDs(characteristicUUIDs)
	if err != nil {
		return errors.NewRadioError("discover characteristics", id.String(), err)
	}

	go func() {
		chars, err := svc.DiscoverCharacteristics(filter)
		if err != nil {
			a.emitEvent(CharacteristicsDiscovered{ID: id, Service: ShortUUID(serviceUUID), Err: err})
			return
		}

		found := make([]string, 0, len(chars))
		a.mu.Lock()
		for _, char := range chars {
			short := ShortUUID(char.UUID().String())
			p.characteristics[short] = char
			found = append(found, short)
		}
		a.mu.Unlock()

		a.emitEvent(CharacteristicsDiscovered{ID: id, Service: ShortUUID(serviceUUID), Characteristics: found})
	}()

	return nil
}

// ReadCharacteristic begins a read of a previously discovered
// characteristic.
func (a *HardwareAdapter) ReadCharacteristic(id uuid.UUID, characteristicUUID string) error {
	short := ShortUUID(characteristicUUID)

	a.mu.Lock()
	p, ok := a.peripherals[id]
	var char bluetooth.DeviceCharacteristic
	var haveChar bool
	if ok && p.connected {
		char, haveChar = p.characteristics[short]
	}
	a.mu.Unlock()
	if !haveChar {
		return errors.NewRadioError("read characteristic", id.String(), errors.ErrCharacteristicNotFound)
	}

	go func() {
		buf := make([]byte, readBufferSize)
		n, err := char.Read(buf)
		if err != nil {
			a.emitEvent(ValueUpdated{ID: id, Characteristic: short, Err: err})
			return
		}
		a.emitEvent(ValueUpdated{ID: id, Characteristic: short, Value: buf[:n]})
	}()

	return nil
}

// Close stops scanning and tears down any open connections. Events
// already in flight may be dropped.
func (a *HardwareAdapter) Close() error {
	_ = a.StopScan()

	a.mu.Lock()
	a.closed = true
	peripherals := make([]*hardwarePeripheral, 0, len(a.peripherals))
	for _, p := range a.peripherals {
		if p.connected {
			peripherals = append(peripherals, p)
		}
	}
	a.mu.Unlock()

	for _, p := range peripherals {
		if err := p.device.Disconnect(); err != nil {
			logger.Warn().Err(err).Msg("Disconnect during close failed")
		}
	}
	return nil
}

// emitEvent delivers an event unless the backend has been closed.
func (a *HardwareAdapter) emitEvent(e Event) {
	a.mu.Lock()
	emit := a.emit
	closed := a.closed
	a.mu.Unlock()
	if closed || emit == nil {
		return
	}
	emit(e)
}

// peripheralID derives the stable 128-bit identifier for a native
// address. Platforms that already expose UUIDs (CoreBluetooth) parse
// directly; MAC-address platforms get a deterministic UUID derived
// from the address bytes.
func peripheralID(address string) uuid.UUID {
	if id, err := uuid.Parse(address); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(address))
}

// parseAttributeUUIDs converts short-form attribute UUIDs into library
// UUID values.
func parseAttributeUUIDs(uuids []string) ([]bluetooth.UUID, error) {
	parsed := make([]bluetooth.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := parseAttributeUUID(s)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, u)
	}
	return parsed, nil
}

// parseAttributeUUID accepts either a 4-digit 16-bit UUID or a full
// 128-bit UUID string.
func parseAttributeUUID(s string) (bluetooth.UUID, error) {
	if len(s) == 4 {
		v, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return bluetooth.UUID{}, fmt.Errorf("invalid 16-bit UUID %q: %w", s, err)
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	}
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		return bluetooth.UUID{}, fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u, nil
}

// Compile-time check that HardwareAdapter implements Adapter.
var _ Adapter = (*HardwareAdapter)(nil)
