package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// handleWebhook routes one HTTP telemetry delivery to a bound proxy
// device. 202 on acceptance, 404 for unknown or unbound devices, 400
// for payloads that are not a JSON object.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		s.countWebhook(http.StatusBadRequest)
		writeBadRequest(w, "reading body: "+err.Error())
		return
	}

	if err := s.manager.IngestWebhook(id, payload); err != nil {
		ww := &statusWriter{ResponseWriter: w}
		writeDomainError(ww, err)
		s.countWebhook(ww.status)
		return
	}

	s.countWebhook(http.StatusAccepted)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "deviceId": id})
}

// countWebhook rolls one delivery into the per-status-code counter.
func (s *Server) countWebhook(status int) {
	if s.em == nil {
		return
	}
	s.em.WebhookRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}
