package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iotix/device-engine/internal/device"
)

// handleListModels returns all registered models.
func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"models": s.manager.ListModels(),
	})
}

// handleRegisterModel validates and stores a model definition.
// Re-registering an identical spec succeeds; a different spec under the
// same id is a conflict.
func (s *Server) handleRegisterModel(w http.ResponseWriter, r *http.Request) {
	var model device.Model
	if err := json.NewDecoder(r.Body).Decode(&model); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	registered, err := s.manager.RegisterModel(&model)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

// handleGetModel returns one model by id.
func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	model, err := s.manager.GetModel(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

// handleDeleteModel removes a model. 409 while devices reference it.
func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteModel(chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
