package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iotix/device-engine/internal/device"
)

// createGroupRequest is the body of POST /api/v1/groups.
type createGroupRequest struct {
	ModelID string `json:"modelId"`
	Count   int    `json:"count"`
	GroupID string `json:"groupId,omitempty"`

	// IDPattern names members; `{groupId}-{index}` style placeholders.
	IDPattern string `json:"idPattern,omitempty"`
}

// handleCreateGroup instantiates a launch cohort of devices.
func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.ModelID == "" {
		writeBadRequest(w, "modelId is required")
		return
	}

	g, err := s.manager.CreateGroup(req.ModelID, req.Count, req.GroupID, req.IDPattern)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// handleListGroups returns all groups.
func (s *Server) handleListGroups(w http.ResponseWriter, _ *http.Request) {
	groups := s.manager.ListGroups()
	writeJSON(w, http.StatusOK, map[string]any{
		"groups": groups,
		"count":  len(groups),
	})
}

// handleGetGroup returns one group by id.
func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.manager.GetGroup(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handleStartGroup launches the group's members with the requested
// strategy. Returns 202: the launch proceeds asynchronously.
func (s *Server) handleStartGroup(w http.ResponseWriter, r *http.Request) {
	var cfg device.LaunchConfig
	if err := decodeOptionalBody(r, &cfg); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	res, err := s.manager.StartGroup(cfg, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// handleStopGroup cancels an in-flight launch and stops the members.
func (s *Server) handleStopGroup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.StopGroup(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "groupId": id})
}

// handleDeleteGroup stops the group and removes its members.
func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteGroup(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleDropout programs a staged failure across the group. Returns
// 202 with the victim count and the offset of the last disconnect.
func (s *Server) handleDropout(w http.ResponseWriter, r *http.Request) {
	var cfg device.DropoutConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	res, err := s.manager.Dropout(chi.URLParam(r, "id"), cfg)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// handleGroupEvents returns a group's recent history, newest first,
// covering both group operations and member transitions.
func (s *Server) handleGroupEvents(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "event history is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	events, err := s.hist.ListByGroup(r.Context(), id, queryInt(r.URL.Query().Get("limit")))
	if err != nil {
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"groupId": id,
		"events":  events,
		"count":   len(events),
	})
}

// decodeOptionalBody decodes a JSON body into v, treating an empty body
// as the zero value. Group start accepts both.
func decodeOptionalBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
