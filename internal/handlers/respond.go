package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/billing"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps reconciler and provider errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrUserNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrPlanNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrPlanUnavailable),
		errors.Is(err, billing.ErrPlanResolution):
		return http.StatusUnprocessableEntity
	case errors.Is(err, billing.ErrInvalidRequest),
		errors.Is(err, provider.ErrSignatureInvalid),
		errors.Is(err, provider.ErrMalformedPayload):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrDuplicateEvent):
		return http.StatusConflict
	case errors.Is(err, billing.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, provider.ErrUnavailable),
		errors.Is(err, billing.ErrGroupNotResolved):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail logs err and writes it with its mapped status. Internal errors are not
// echoed to the caller.
func fail(w http.ResponseWriter, logger zerolog.Logger, op string, err error) {
	status := statusFor(err)
	ev := logger.Warn()
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		ev = logger.Error()
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	ev.Err(err).Str("op", op).Int("status", status).Msg("request failed")
	writeError(w, status, msg)
}
