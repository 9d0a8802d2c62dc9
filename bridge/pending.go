// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soothill/ble-battery-bridge/pkg/errors"
	"github.com/soothill/ble-battery-bridge/pkg/interfaces"
	"github.com/soothill/ble-battery-bridge/pkg/logger"
	"github.com/soothill/ble-battery-bridge/pkg/metrics"
)

// fetchResult is what a battery fetch ultimately delivers to its caller.
type fetchResult struct {
	detail interfaces.DeviceDetail
	err    error
}

// pendingRequest is one in-flight battery fetch awaiting resolution.
type pendingRequest struct {
	id      uuid.UUID
	result  chan fetchResult // buffered, capacity 1
	timer   *time.Timer
	started time.Time
}

// pendingTable tracks at most one in-flight battery fetch per peripheral.
//
// Each request is armed with a timeout on creation. Whichever side resolves
// first wins: exactly one of resolveSuccess, resolveFailure or the timeout
// removes the entry and delivers the result. Later resolutions for the same
// identifier find no entry and are no-ops, so late radio events after a
// timeout are harmless.
type pendingTable struct {
	onTimeout func(uuid.UUID) // invoked after a request times out, outside the lock

	mu       sync.Mutex // Protects requests map and timeout
	timeout  time.Duration
	requests map[uuid.UUID]*pendingRequest
}

func newPendingTable(timeout time.Duration, onTimeout func(uuid.UUID)) *pendingTable {
	return &pendingTable{
		timeout:   timeout,
		onTimeout: onTimeout,
		requests:  make(map[uuid.UUID]*pendingRequest),
	}
}

// begin registers a new request for the peripheral. A second request while
// one is in flight fails immediately with ErrAlreadyPending rather than
// queueing behind it.
func (t *pendingTable) begin(id uuid.UUID) (<-chan fetchResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.requests[id]; exists {
		return nil, errors.ErrAlreadyPending
	}

	req := &pendingRequest{
		id:      id,
		result:  make(chan fetchResult, 1),
		started: time.Now(),
	}
	req.timer = time.AfterFunc(t.timeout, func() { t.expire(id) })
	t.requests[id] = req

	metrics.PendingRequests.Set(float64(len(t.requests)))
	return req.result, nil
}

// setTimeout changes the timeout applied to requests begun after the call.
// In-flight requests keep the timeout they were armed with.
func (t *pendingTable) setTimeout(timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = timeout
}

// expire resolves a request as timed out and notifies the owner so it can
// tear the connection attempt down.
func (t *pendingTable) expire(id uuid.UUID) {
	err := errors.NewBridgeError("fetch battery level", id.String(), errors.ErrTimeout)
	if t.resolveFailure(id, err) && t.onTimeout != nil {
		t.onTimeout(id)
	}
}

// resolveSuccess delivers a battery reading to the waiting caller. Returns
// false when no request is pending for the identifier.
func (t *pendingTable) resolveSuccess(id uuid.UUID, detail interfaces.DeviceDetail) bool {
	req := t.take(id)
	if req == nil {
		return false
	}

	metrics.BatteryRequestsTotal.WithLabelValues("success").Inc()
	metrics.BatteryRequestDuration.Observe(time.Since(req.started).Seconds())

	req.result <- fetchResult{detail: detail}
	return true
}

// resolveFailure delivers an error to the waiting caller. Returns false
// when no request is pending for the identifier.
func (t *pendingTable) resolveFailure(id uuid.UUID, err error) bool {
	req := t.take(id)
	if req == nil {
		return false
	}

	metrics.BatteryRequestsTotal.WithLabelValues(errors.Kind(err)).Inc()
	metrics.BatteryRequestDuration.Observe(time.Since(req.started).Seconds())

	req.result <- fetchResult{err: err}
	return true
}

// failAll resolves every pending request with the given error. Used when
// the radio leaves the powered-on state and nothing in flight can complete.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	requests := t.requests
	t.requests = make(map[uuid.UUID]*pendingRequest)
	metrics.PendingRequests.Set(0)
	t.mu.Unlock()

	if len(requests) == 0 {
		return
	}

	logger.Warn().Int("count", len(requests)).Err(err).Msg("Failing all pending battery requests")
	for id, req := range requests {
		req.timer.Stop()
		metrics.BatteryRequestsTotal.WithLabelValues(errors.Kind(err)).Inc()
		metrics.BatteryRequestDuration.Observe(time.Since(req.started).Seconds())
		req.result <- fetchResult{err: errors.NewBridgeError("fetch battery level", id.String(), err)}
	}
}

// len returns the number of in-flight requests.
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}

// take removes and returns the request for the identifier, stopping its
// timer. Returns nil when nothing is pending.
func (t *pendingTable) take(id uuid.UUID) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.requests[id]
	if !ok {
		return nil
	}
	delete(t.requests, id)
	req.timer.Stop()
	metrics.PendingRequests.Set(float64(len(t.requests)))
	return req
}
