package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/iotix/device-engine/internal/device"
)

// createDeviceRequest is the body of POST /api/v1/devices.
type createDeviceRequest struct {
	ModelID  string `json:"modelId"`
	DeviceID string `json:"deviceId,omitempty"`
	GroupID  string `json:"groupId,omitempty"`
}

// handleListDevices returns device snapshots matching the query
// filters, sorted by id.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := device.ListFilter{
		ModelID: q.Get("modelId"),
		GroupID: q.Get("groupId"),
		Status:  device.Status(q.Get("status")),
		Limit:   queryInt(q.Get("limit")),
		Offset:  queryInt(q.Get("offset")),
	}

	devices := s.manager.ListDevices(filter)
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleCreateDevice instantiates one device from a model.
func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.ModelID == "" {
		writeBadRequest(w, "modelId is required")
		return
	}

	d, err := s.manager.CreateDevice(req.ModelID, req.DeviceID, req.GroupID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// handleGetDevice returns one device snapshot.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.manager.GetDevice(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDeleteDevice removes a device, stopping it first when needed.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteDevice(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleStartDevice brings a device to RUNNING. Idempotent on an
// already running device.
func (s *Server) handleStartDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.StartDevice(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "deviceId": id})
}

// handleStopDevice brings a device to STOPPED.
func (s *Server) handleStopDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.StopDevice(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "deviceId": id})
}

// handleDeviceMetrics returns the counter snapshot for one device.
func (s *Server) handleDeviceMetrics(w http.ResponseWriter, r *http.Request) {
	met, err := s.manager.DeviceMetrics(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, met)
}

// handleDeviceEvents returns a device's recent history, newest first.
func (s *Server) handleDeviceEvents(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "event history is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	events, err := s.hist.ListByDevice(r.Context(), id, queryInt(r.URL.Query().Get("limit")))
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": id,
		"events":   events,
		"count":    len(events),
	})
}

// handleBindDevice attaches a proxy device to its telemetry source.
func (s *Server) handleBindDevice(w http.ResponseWriter, r *http.Request) {
	var cfg device.BindingConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	webhookURL, err := s.manager.BindDevice(r.Context(), id, &cfg)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := map[string]any{"status": "bound", "deviceId": id}
	if webhookURL != "" {
		resp["webhookUrl"] = webhookURL
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUnbindDevice stops a proxy device and clears its binding.
func (s *Server) handleUnbindDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.UnbindDevice(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbound", "deviceId": id})
}

// handleGetBinding returns the active binding for a proxy device.
func (s *Server) handleGetBinding(w http.ResponseWriter, r *http.Request) {
	b, err := s.manager.GetBinding(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// queryInt parses a non-negative integer query parameter; anything
// unparseable reads as zero.
func queryInt(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
