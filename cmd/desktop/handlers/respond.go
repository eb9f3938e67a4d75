// Package handlers provides the REST API of the desktop sync service.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/tripplanner/internal/errors"
	"github.com/kimhsiao/tripplanner/internal/logging"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string           `json:"error"`
	Code  errors.ErrorCode `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// writeError maps err's code to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case errors.ErrInvalid:
		status = http.StatusBadRequest
	case errors.ErrNotFound:
		status = http.StatusNotFound
	case errors.ErrStorageWrite:
		status = http.StatusInsufficientStorage
	case errors.ErrStorageInit, errors.ErrOffline:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logging.Error("Request failed", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: errors.ErrInvalid})
}
