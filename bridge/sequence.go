// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package bridge

import (
	"github.com/google/uuid"
)

// fetchStage is the position of a battery fetch in its connect, discover,
// read progression.
type fetchStage int

const (
	stageIdle fetchStage = iota
	stageConnecting
	stageServiceDiscovery
	stageCharacteristicDiscovery
	stageValueRead
)

// String returns a log-friendly stage name.
func (s fetchStage) String() string {
	switch s {
	case stageIdle:
		return "idle"
	case stageConnecting:
		return "connecting"
	case stageServiceDiscovery:
		return "service_discovery"
	case stageCharacteristicDiscovery:
		return "characteristic_discovery"
	case stageValueRead:
		return "value_read"
	default:
		return "unknown"
	}
}

// op returns the operation name used in errors for failures at this stage.
func (s fetchStage) op() string {
	switch s {
	case stageConnecting:
		return "connect"
	case stageServiceDiscovery:
		return "discover services"
	case stageCharacteristicDiscovery:
		return "discover characteristics"
	case stageValueRead:
		return "read battery level"
	default:
		return "fetch battery level"
	}
}

// fetchSequence tracks one in-flight battery fetch through its stages.
// Owned by the manager run loop; never touched from other goroutines.
type fetchSequence struct {
	id    uuid.UUID
	stage fetchStage
}

// peripheralLink caches what the radio last reported about a peripheral's
// link, enabling fetches to skip stages that already completed. Owned by
// the manager run loop.
type peripheralLink struct {
	connected        bool
	batteryCharKnown bool
}
