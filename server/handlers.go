// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/soothill/ble-battery-bridge/pkg/errors"
	"github.com/soothill/ble-battery-bridge/pkg/logger"
)

// DeviceRecord is one entry in the device listing.
type DeviceRecord struct {
	Name          *string `json:"name"`
	Identifier    string  `json:"identifier"`
	RSSI          *int    `json:"rssi"`
	IsConnectable *bool   `json:"isConnectable"`
}

// DeviceListResponse is the body of GET /devices.
type DeviceListResponse struct {
	Devices []DeviceRecord `json:"devices"`
}

// DeviceDetailResponse is the body of GET /device/{identifier}.
type DeviceDetailResponse struct {
	Name         *string `json:"name"`
	Identifier   string  `json:"identifier"`
	BatteryLevel int     `json:"batteryLevel"`
	IsConnected  bool    `json:"isConnected"`
}

// ScanResponse is the body of POST /scan.
type ScanResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of any failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.bridge.ListDevices()

	records := make([]DeviceRecord, 0, len(devices))
	for _, d := range devices {
		records = append(records, DeviceRecord{
			Name:          d.Name,
			Identifier:    d.ID.String(),
			RSSI:          d.RSSI,
			IsConnectable: d.Connectable,
		})
	}

	writeJSON(w, http.StatusOK, DeviceListResponse{Devices: records})
}

func (s *Server) handleDeviceDetail(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("identifier")
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid device identifier %q", raw))
		return
	}

	detail, err := s.bridge.GetDeviceDetail(r.Context(), id)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("device_id", id.String()).
			Msg("Battery fetch failed")
		writeError(w, statusForError(err), err)
		return
	}

	writeJSON(w, http.StatusOK, DeviceDetailResponse{
		Name:         detail.Name,
		Identifier:   detail.ID.String(),
		BatteryLevel: detail.BatteryLevel,
		IsConnected:  detail.IsConnected,
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if err := s.bridge.StartScan(); err != nil {
		logger.Error().Err(err).Msg("Failed to start scan")
		writeError(w, statusForError(err), err)
		return
	}

	// Scanning proceeds in the background; results show up in GET /devices.
	writeJSON(w, http.StatusAccepted, ScanResponse{Status: "scan accepted"})
}

// statusForError maps a bridge failure to an HTTP status code.
func statusForError(err error) int {
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrAlreadyPending):
		return http.StatusConflict
	case errors.Is(err, errors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, errors.ErrRadioNotPoweredOn),
		errors.Is(err, errors.ErrNotInitialized),
		errors.Is(err, errors.ErrUnauthorized),
		errors.Is(err, errors.ErrUnsupported):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrConnectionFailed),
		errors.Is(err, errors.ErrServiceNotFound),
		errors.Is(err, errors.ErrCharacteristicNotFound),
		errors.Is(err, errors.ErrEmptyPayload),
		errors.Is(err, errors.ErrUnexpectedDisconnect):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
