package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/memkern/memkern/internal/apperr"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error     string         `json:"error"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// statusOf maps the error taxonomy to HTTP. This is the only place that
// mapping exists.
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.Unauthenticated:
		return http.StatusUnauthorized
	case apperr.AccessDenied:
		return http.StatusForbidden
	case apperr.ValidationFailed:
		return http.StatusUnprocessableEntity
	case apperr.PolicyMalformed:
		return http.StatusBadRequest
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict:
		return http.StatusConflict
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.Transient, apperr.EmbeddingFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErr renders an error through the taxonomy mapping. Internal
// causes stay in the log; clients see the message and kind-derived
// status only.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusOf(kind)

	msg := "internal error"
	var details map[string]any
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Msg
		details = ae.Details
	}
	if status >= 500 {
		log.Ctx(r.Context()).Error().Err(err).Int("status", status).Msg("request failed")
		if kind == apperr.Internal {
			msg = "internal error"
			details = nil
		}
	}

	writeJSON(w, status, errorBody{
		Error:     msg,
		Details:   details,
		RequestID: middleware.GetReqID(r.Context()),
	})
}
