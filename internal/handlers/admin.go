package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
)

// AdminService is the part of the reconciler the admin endpoints use.
type AdminService interface {
	AdminSubscriptions(ctx context.Context, offset int, username string) (*models.SubscriptionPage, error)
	Cancel(ctx context.Context, externalID string, ownerID int64) (*models.CancelResult, error)
	Revoke(ctx context.Context, externalID string) error
	ManualGrant(ctx context.Context, username, planID string, duration *int) (*models.Subscription, error)
}

// AdminHandler serves the administrative subscription endpoints.
type AdminHandler struct {
	Service AdminService
	Logger  zerolog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(service AdminService, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{Service: service, Logger: logger.With().Str("component", "admin").Logger()}
}

// RegisterRoutes registers the admin routes. The router must already require
// the admin token.
func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Get("/admin/subscriptions", h.List())
	router.Post("/admin/subscriptions/grant", h.Grant())
	router.Delete("/admin/subscriptions/{id}", h.Cancel())
	router.Post("/admin/subscriptions/{id}/revoke", h.Revoke())
}

// List returns one page of subscriptions.
func (h *AdminHandler) List() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset := 0
		if o := r.URL.Query().Get("offset"); o != "" {
			parsed, err := strconv.Atoi(o)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
				return
			}
			offset = parsed
		}

		page, err := h.Service.AdminSubscriptions(r.Context(), offset, r.URL.Query().Get("username"))
		if err != nil {
			fail(w, h.Logger, "admin_list", err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

// Cancel sets cancel-at-period-end on any recurring subscription.
func (h *AdminHandler) Cancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := h.Service.Cancel(r.Context(), chi.URLParam(r, "id"), 0)
		if err != nil {
			fail(w, h.Logger, "admin_cancel", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// Revoke ends a subscription and removes its group where safe.
func (h *AdminHandler) Revoke() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := h.Service.Revoke(r.Context(), id); err != nil {
			fail(w, h.Logger, "admin_revoke", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(models.StatusRevoked)})
	}
}

// Grant records a manual grant.
func (h *AdminHandler) Grant() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req models.GrantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}

		sub, err := h.Service.ManualGrant(r.Context(), req.Username, req.PlanID, req.Duration)
		if err != nil {
			fail(w, h.Logger, "admin_grant", err)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	}
}
