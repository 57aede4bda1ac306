package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/iotix/device-engine/internal/device"
)

// Error is the structured error body every failing endpoint returns.
type Error struct {
	Message string `json:"error"`
	Code    string `json:"code"`
}

// Error codes carried in the response body.
const (
	ErrCodeBadRequest = "bad_request"
	ErrCodeValidation = "validation_error"
	ErrCodeNotFound   = "not_found"
	ErrCodeConflict   = "conflict"
	ErrCodeInternal   = "internal_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Message: message, Code: code})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeDomainError maps a manager error onto the HTTP taxonomy:
// validation and payload problems are 400, missing things 404,
// conflicting or duplicate things 409, everything else 500.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrValidation),
		errors.Is(err, device.ErrPayload),
		errors.Is(err, device.ErrNotProxy):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, device.ErrNotFound),
		errors.Is(err, device.ErrModelNotFound),
		errors.Is(err, device.ErrGroupNotFound),
		errors.Is(err, device.ErrNotBound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, device.ErrConflict),
		errors.Is(err, device.ErrExists),
		errors.Is(err, device.ErrModelExists),
		errors.Is(err, device.ErrGroupExists),
		errors.Is(err, device.ErrModelBusy):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
