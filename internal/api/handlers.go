package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/headcount/internal/device"
	"github.com/nerrad567/headcount/internal/identity"
	"github.com/nerrad567/headcount/internal/occupancy"
)

// History limits for GET /history.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// SessionResponse is returned on page load.
type SessionResponse struct {
	DeviceID string         `json:"deviceId"`
	Status   device.Status  `json:"status"`
	Count    int            `json:"count"`
	Device   *device.Device `json:"device"`
}

// ToggleRequest is the optional body of POST /toggle. The panel sends the
// direction its button shows; an empty action toggles from the session's
// last known status.
type ToggleRequest struct {
	Action string `json:"action"`
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
	}
	if s.health != nil {
		if err := s.health.HealthCheck(r.Context()); err != nil {
			body["status"] = "degraded"
			body["store"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// handleSession runs the daily reset check, registers this device's visit
// and reports where things stand.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if s.reset != nil {
		if _, err := s.reset.CheckAndReset(ctx); err != nil {
			s.logger.Error("daily reset check failed", "error", err)
		}
	}

	dev, err := s.registry.Register(ctx, id, r.UserAgent())
	if err != nil {
		s.logger.Error("registering device", "device_id", id, "error", err)
		writeUnavailable(w, "could not register device")
		return
	}

	session, err := s.sessions.Get(id)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	status, err := session.Sync(ctx)
	if err != nil {
		s.logger.Warn("syncing session status", "device_id", id, "error", err)
		status = dev.Status
	}

	count, err := s.ledger.Count(ctx)
	if err != nil {
		s.logger.Error("reading count", "error", err)
		writeUnavailable(w, "could not read occupancy")
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{
		DeviceID: id,
		Status:   status,
		Count:    count,
		Device:   dev,
	})
}

// handleOccupancy returns the current count.
func (s *Server) handleOccupancy(w http.ResponseWriter, r *http.Request) {
	count, err := s.ledger.Count(r.Context())
	if err != nil {
		s.logger.Error("reading count", "error", err)
		writeUnavailable(w, "could not read occupancy")
		return
	}
	writeJSON(w, http.StatusOK, CountPayload{Count: count})
}

// handleHistory returns history entries, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeBadRequest(w, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = n
	}

	entries, err := s.ledger.History(r.Context(), limit)
	if err != nil {
		s.logger.Error("reading history", "error", err)
		writeUnavailable(w, "could not read history")
		return
	}
	writeJSON(w, http.StatusOK, HistoryPayload{Entries: entries})
}

// handleDeviceStatus returns the status of any device. Unknown devices are out.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := device.ValidateID(id); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	status, err := s.registry.Status(r.Context(), id)
	if err != nil {
		s.logger.Error("reading device status", "device_id", id, "error", err)
		writeUnavailable(w, "could not read device status")
		return
	}
	writeJSON(w, http.StatusOK, StatusPayload{DeviceID: id, Status: status})
}

// handleMe returns the record of the device behind the cookie.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}

	dev, err := s.registry.Get(r.Context(), id)
	if errors.Is(err, device.ErrDeviceNotFound) {
		writeNotFound(w, "device has not started a session")
		return
	}
	if err != nil {
		s.logger.Error("reading device", "device_id", id, "error", err)
		writeUnavailable(w, "could not read device")
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

// handleToggle runs one toggle for the device behind the cookie.
//
// Every result other than failed is a normal answer and comes back 200;
// failed comes back 503 with the notice to show.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	id, ok := s.deviceID(w, r)
	if !ok {
		return
	}
	if identity.Issued(r.Context()) {
		writeError(w, http.StatusConflict, ErrCodeNoDevice, "no device session; load the page first")
		return
	}

	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	session, err := s.sessions.Get(id)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	var (
		outcome device.Outcome
		label   = "toggle"
	)
	if req.Action == "" {
		outcome, err = session.Toggle(r.Context())
	} else {
		dir, perr := device.ParseDirection(req.Action)
		if perr != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, perr.Error())
			return
		}
		label = string(dir)
		outcome, err = session.Request(r.Context(), dir)
	}

	s.metrics.ObserveToggle(outcome.Result)
	if s.telemetry != nil {
		s.telemetry.WriteToggle(label, string(outcome.Result), outcome.Count)
	}

	if outcome.Result == device.ResultFailed {
		s.logger.Error("toggle failed", "device_id", id, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, outcome)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// deviceID returns the identifier resolved by the identity middleware.
func (s *Server) deviceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := identity.FromContext(r.Context())
	if id == "" {
		writeError(w, http.StatusServiceUnavailable, ErrCodeNoDevice, "device identity unavailable")
		return "", false
	}
	return id, true
}

// publishCount and publishHistory feed the hub from the store.
func (s *Server) publishCount(count int) {
	s.metrics.SetOccupancy(count)
	s.hub.Publish(ChannelCount, CountPayload{Count: count})
}

func (s *Server) publishHistory(entries []occupancy.HistoryEntry) {
	if len(entries) > defaultHistoryLimit {
		entries = entries[:defaultHistoryLimit]
	}
	s.hub.Publish(ChannelHistory, HistoryPayload{Entries: entries})
}
