package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sethwebster/expo-free-agent/pkg/log"
	"github.com/sethwebster/expo-free-agent/pkg/types"
)

// ErrorBody is the wire shape of every error response
type ErrorBody struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// httpStatus maps an error kind to its HTTP status.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrUnauthenticated), errors.Is(err, types.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrForbidden), errors.Is(err, types.ErrTokenConsumed):
		return http.StatusForbidden
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrIllegalTransition), errors.Is(err, types.ErrConcurrency), errors.Is(err, types.ErrWorkerBusy):
		return http.StatusConflict
	case errors.Is(err, types.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, types.ErrStoreUnavailable), errors.Is(err, types.ErrStorageUnavailable), errors.Is(err, types.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// writeError renders the error envelope. Internal and integrity errors are
// logged with the correlation id and surfaced as opaque InternalError.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	corr := CorrelationID(r.Context())
	status := httpStatus(err)
	code := types.ErrorCode(err)
	message := err.Error()

	if status == http.StatusInternalServerError || errors.Is(err, types.ErrPathViolation) {
		log.WithCorrelationID(corr).Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("request failed")
		status = http.StatusInternalServerError
		code = "InternalError"
		message = "internal error"
	}

	writeJSON(w, status, errorEnvelope{Error: ErrorBody{
		Code:          code,
		Message:       message,
		CorrelationID: corr,
	}})
}
