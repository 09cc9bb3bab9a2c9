package api

import (
	"encoding/json"
	"net/http"
)

// Standard error codes
const (
	ErrCodeInternalServer = "INTERNAL_SERVER_ERROR"
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeNotReady       = "NOT_READY"
	ErrCodeNotStreamable  = "NOT_STREAMABLE"
	ErrCodeRangeInvalid   = "RANGE_NOT_SATISFIABLE"
	ErrCodeUpstream       = "UPSTREAM_ERROR"
	ErrCodeUpstreamSlow   = "UPSTREAM_TIMEOUT"
)

// APIError represents a structured error payload
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// writeJSON writes a JSON body with the given status
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// WriteSuccess writes a success response
func WriteSuccess(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// WriteCreated writes a 201 response with data
func WriteCreated(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// WriteNoContent writes a 204 response
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteError writes a structured error response
func WriteError(w http.ResponseWriter, status int, code, message, details string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   &APIError{Code: code, Message: message, Details: details},
	})
}

// WriteBadRequest writes a bad request error response
func WriteBadRequest(w http.ResponseWriter, message, details string) {
	WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, message, details)
}

// WriteNotFound writes a not found error response
func WriteNotFound(w http.ResponseWriter, message, details string) {
	WriteError(w, http.StatusNotFound, ErrCodeNotFound, message, details)
}

// WriteInternalError writes an internal server error response
func WriteInternalError(w http.ResponseWriter, message, details string) {
	WriteError(w, http.StatusInternalServerError, ErrCodeInternalServer, message, details)
}
