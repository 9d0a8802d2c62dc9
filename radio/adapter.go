// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package radio abstracts the BLE radio stack behind a small adapter
// interface plus a typed event stream.
//
// Backends turn native callbacks and blocking library calls into Event
// values delivered through a single emit function, so the rest of the
// system never touches native handles or runs on native callback
// threads. Two backends are provided: a hardware backend built on
// tinygo.org/x/bluetooth and a simulated backend for tests and
// hardware-free operation.
//
// # Ownership
//
// Native peripheral handles are owned exclusively by the backend. All
// other components address peripherals by their 128-bit identifier.
package radio

import (
	"strings"

	"github.com/google/uuid"
)

// Standard 16-bit attribute UUIDs, in canonical short lowercase hex form.
const (
	// BatteryServiceUUID is the Bluetooth SIG battery service
	BatteryServiceUUID = "180f"

	// BatteryLevelCharacteristicUUID carries the battery percentage as its first byte
	BatteryLevelCharacteristicUUID = "2a19"
)

// bluetoothBaseSuffix is the tail of the Bluetooth Base UUID used to
// expand 16-bit attribute UUIDs to 128-bit form.
const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// ShortUUID normalizes an attribute UUID to its canonical short form:
// lowercase, and collapsed to 4 hex digits when the value is a 16-bit
// UUID expanded with the Bluetooth Base UUID. Other values are returned
// lowercased and unchanged.
func ShortUUID(s string) string {
	s = strings.ToLower(s)
	if len(s) == 36 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, bluetoothBaseSuffix) {
		return s[4:8]
	}
	return s
}

// PowerState mirrors the radio stack's power/authorization state.
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerResetting
	PowerUnsupported
	PowerUnauthorized
	PowerOff
	PowerOn
)

func (s PowerState) String() string {
	switch s {
	case PowerResetting:
		return "resetting"
	case PowerUnsupported:
		return "unsupported"
	case PowerUnauthorized:
		return "unauthorized"
	case PowerOff:
		return "poweredOff"
	case PowerOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// Event is a typed hardware event delivered by a backend. Events carry
// everything the bridge needs; consumers type-switch on the concrete
// event structs below.
type Event interface {
	event()
}

// PowerStateChanged reports a radio power or authorization transition.
type PowerStateChanged struct {
	State PowerState
}

// AdvertisementReceived reports one advertisement sighting. Optional
// fields are nil when the advertisement did not carry them.
type AdvertisementReceived struct {
	ID          uuid.UUID
	Name        *string
	RSSI        *int
	Connectable *bool
}

// PeripheralConnected reports a successful connection.
type PeripheralConnected struct {
	ID uuid.UUID
}

// PeripheralConnectFailed reports a failed connection attempt.
type PeripheralConnectFailed struct {
	ID  uuid.UUID
	Err error
}

// PeripheralDisconnected reports a link teardown, requested or not.
type PeripheralDisconnected struct {
	ID  uuid.UUID
	Err error
}

// ServicesDiscovered reports the outcome of a service discovery pass.
// Services holds short-form UUIDs.
type ServicesDiscovered struct {
	ID       uuid.UUID
	Services []string
	Err      error
}

// CharacteristicsDiscovered reports the outcome of characteristic
// discovery within one service. Characteristics holds short-form UUIDs.
type CharacteristicsDiscovered struct {
	ID              uuid.UUID
	Service         string
	Characteristics []string
	Err             error
}

// ValueUpdated reports the payload of a characteristic read or
// notification.
type ValueUpdated struct {
	ID             uuid.UUID
	Characteristic string
	Value          []byte
	Err            error
}

func (PowerStateChanged) event()         {}
func (AdvertisementReceived) event()     {}
func (PeripheralConnected) event()       {}
func (PeripheralConnectFailed) event()   {}
func (PeripheralDisconnected) event()    {}
func (ServicesDiscovered) event()        {}
func (CharacteristicsDiscovered) event() {}
func (ValueUpdated) event()              {}

// EventName returns a stable short name for an event, used as a metric
// label value and in log fields.
func EventName(e Event) string {
	switch e.(type) {
	case PowerStateChanged:
		return "power_state_changed"
	case AdvertisementReceived:
		return "advertisement"
	case PeripheralConnected:
		return "connected"
	case PeripheralConnectFailed:
		return "connect_failed"
	case PeripheralDisconnected:
		return "disconnected"
	case ServicesDiscovered:
		return "services_discovered"
	case CharacteristicsDiscovered:
		return "characteristics_discovered"
	case ValueUpdated:
		return "value_updated"
	default:
		return "unknown"
	}
}

// Adapter is the native call surface the bridge drives. Calls are
// non-blocking: results arrive as events through the emit function
// registered with Initialize. Implementations must be safe for
// concurrent use.
type Adapter interface {
	// Initialize brings the backend up and registers the event sink.
	// Events may begin flowing before Initialize returns.
	Initialize(emit func(Event)) error

	// StartScan begins continuous duplicate-suppressed advertisement
	// scanning. Idempotent while scanning.
	StartScan() error

	// StopScan stops advertisement scanning. Idempotent.
	StopScan() error

	// Lookup reports whether the backend can still address the
	// peripheral directly even when it is absent from the registry.
	Lookup(id uuid.UUID) bool

	// Connect begins a connection attempt. The outcome arrives as
	// PeripheralConnected or PeripheralConnectFailed.
	Connect(id uuid.UUID) error

	// Disconnect begins a link teardown. Completion arrives as
	// PeripheralDisconnected.
	Disconnect(id uuid.UUID) error

	// DiscoverServices begins service discovery filtered to the given
	// short-form service UUIDs. Empty filter means all services.
	DiscoverServices(id uuid.UUID, serviceUUIDs []string) error

	// DiscoverCharacteristics begins characteristic discovery within a
	// service, filtered to the given short-form characteristic UUIDs.
	DiscoverCharacteristics(id uuid.UUID, serviceUUID string, characteristicUUIDs []string) error

	// ReadCharacteristic begins a read of a previously discovered
	// characteristic. The payload arrives as ValueUpdated.
	ReadCharacteristic(id uuid.UUID, characteristicUUID string) error

	// Close releases backend resources. No events are emitted after
	// Close returns.
	Close() error
}
