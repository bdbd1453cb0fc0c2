package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-irbridge/internal/bridges/broadlink"
)

// DeviceListResponse is the body of GET /devices.
type DeviceListResponse struct {
	Devices []broadlink.DeviceInfo  `json:"devices"`
	Manual  []broadlink.DeviceInfo  `json:"manual"`
	Stats   broadlink.RegistryStats `json:"stats"`
}

// SendRequest is the body of POST /devices/send.
type SendRequest struct {
	Host      string `json:"host,omitempty"`
	Code      string `json:"code"`
	Name      string `json:"name,omitempty"`
	WithDelay bool   `json:"with_delay,omitempty"`
}

// LearnRequest is the body of POST /devices/learn.
type LearnRequest struct {
	Host string `json:"host,omitempty"`
	Name string `json:"name,omitempty"`
}

// outcomeStatus maps dispatch outcomes to HTTP status codes.
var outcomeStatus = map[broadlink.Outcome]int{
	broadlink.OutcomeSent:             http.StatusOK,
	broadlink.OutcomeLearning:         http.StatusOK,
	broadlink.OutcomeNoDevice:         http.StatusNotFound,
	broadlink.OutcomeUnsupported:      http.StatusConflict,
	broadlink.OutcomeInvalidCode:      http.StatusUnprocessableEntity,
	broadlink.OutcomeConversionFailed: http.StatusUnprocessableEntity,
	broadlink.OutcomeSendFailed:       http.StatusBadGateway,
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	resp := DeviceListResponse{
		Devices: make([]broadlink.DeviceInfo, 0),
		Manual:  make([]broadlink.DeviceInfo, 0),
		Stats:   s.registry.Stats(),
	}
	for _, d := range s.registry.List() {
		resp.Devices = append(resp.Devices, d.Info())
	}
	for _, d := range s.registry.Manuals() {
		resp.Manual = append(resp.Manual, d.Info())
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetDevice resolves {key} as an address or MAC, then falls back to
// the manual records.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if dev, ok := s.registry.Lookup(key); ok {
		writeJSON(w, http.StatusOK, dev.Info())
		return
	}
	if dev, ok := s.registry.Manual(key); ok {
		writeJSON(w, http.StatusOK, dev.Info())
		return
	}
	writeNotFound(w, "device not found: "+key)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeUnavailable(w, "dispatcher not available")
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Code == "" {
		writeValidationError(w, "code is required")
		return
	}

	res, err := s.commands.Send(r.Context(), broadlink.SendRequest{
		Host:      req.Host,
		Code:      req.Code,
		Name:      req.Name,
		WithDelay: req.WithDelay,
	})
	s.writeResult(w, r, res, err)
}

func (s *Server) handleLearn(w http.ResponseWriter, r *http.Request) {
	if s.commands == nil {
		writeUnavailable(w, "dispatcher not available")
		return
	}

	var req LearnRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	res, err := s.commands.Learn(r.Context(), broadlink.LearnRequest{Host: req.Host, Name: req.Name})
	s.writeResult(w, r, res, err)
}

// writeResult renders a dispatch result. A cancelled cooldown still
// carries a sent result, which wins over the context error.
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res broadlink.Result, err error) {
	switch {
	case err == nil:
	case res.Outcome.OK():
		s.logger.Debug("dispatch finished after context ended", "error", err, "request_id", requestID(r))
	case errors.Is(err, broadlink.ErrInvalidPayload):
		writeValidationError(w, err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "timed out waiting for device")
		return
	case errors.Is(err, context.Canceled):
		writeUnavailable(w, "request cancelled")
		return
	default:
		s.logger.Error("dispatch failed", "error", err, "request_id", requestID(r))
		writeInternalError(w, "dispatch failed")
		return
	}

	status, ok := outcomeStatus[res.Outcome]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}
