package share

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// API error kinds, mapped to HTTP status codes by writeError.
const (
	errValidation      = "validation"
	errNotFound        = "not_found"
	errIDConflict      = "id_conflict"
	errPayloadTooLarge = "payload_too_large"
	errRateLimited     = "rate_limited"
	errTransient       = "transient"
	errInternal        = "internal"
)

var errStatus = map[string]int{
	errValidation:      http.StatusBadRequest,
	errNotFound:        http.StatusNotFound,
	errIDConflict:      http.StatusConflict,
	errPayloadTooLarge: http.StatusRequestEntityTooLarge,
	errRateLimited:     http.StatusTooManyRequests,
	errTransient:       http.StatusServiceUnavailable,
	errInternal:        http.StatusInternalServerError,
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, kind, reason string) {
	status, ok := errStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		h.logger.Warn("Request failed",
			zap.String("kind", kind),
			zap.String("reason", reason))
	}
	writeJSON(w, status, errorBody{Error: kind, Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
