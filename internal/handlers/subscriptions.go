package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/billing"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/middleware"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/store"
)

// SubscriptionService is the part of the reconciler the user endpoints use.
type SubscriptionService interface {
	CreateCheckout(ctx context.Context, user *models.User, planID string) (*provider.Checkout, error)
	FinalizeRazorpayPayment(ctx context.Context, user *models.User, req models.RazorpayFinalizeRequest) (billing.Outcome, error)
	UserSubscriptions(ctx context.Context, userID int64) ([]models.SubscriptionView, error)
	Entitlements(ctx context.Context, userID int64) ([]models.Subscription, error)
	Cancel(ctx context.Context, externalID string, ownerID int64) (*models.CancelResult, error)
}

// UserDirectory resolves the calling user.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

// SubscriptionHandler serves the signed-in user's subscription endpoints.
type SubscriptionHandler struct {
	Service SubscriptionService
	Users   UserDirectory
	Logger  zerolog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(service SubscriptionService, users UserDirectory, logger zerolog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		Service: service,
		Users:   users,
		Logger:  logger.With().Str("component", "subscriptions").Logger(),
	}
}

// RegisterRoutes registers the user routes. The router must already
// authenticate the caller.
func (h *SubscriptionHandler) RegisterRoutes(router chi.Router) {
	router.Post("/s/create", h.CreateCheckout())
	router.Post("/s/finalize_razorpay_payment", h.FinalizeRazorpayPayment())
	router.Get("/s/user/subscriptions", h.ListSubscriptions())
	router.Delete("/s/user/subscriptions/{id}", h.CancelSubscription())
	router.Get("/s/user/entitlements", h.Entitlements())
}

// caller loads the authenticated user, writing the error response itself
// when it cannot.
func (h *SubscriptionHandler) caller(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	id, ok := middleware.CallerID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	user, err := h.Users.GetUser(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unknown user")
			return nil, false
		}
		fail(w, h.Logger, "load_caller", err)
		return nil, false
	}
	return user, true
}

// CreateCheckout starts a checkout with the active provider.
func (h *SubscriptionHandler) CreateCheckout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := h.caller(w, r)
		if !ok {
			return
		}

		var req models.CheckoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}

		checkout, err := h.Service.CreateCheckout(r.Context(), user, req.PlanID)
		if err != nil {
			fail(w, h.Logger, "create_checkout", err)
			return
		}
		writeJSON(w, http.StatusOK, checkout)
	}
}

// FinalizeRazorpayPayment records a Razorpay checkout reported by the browser.
func (h *SubscriptionHandler) FinalizeRazorpayPayment() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := h.caller(w, r)
		if !ok {
			return
		}

		var req models.RazorpayFinalizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}

		outcome, err := h.Service.FinalizeRazorpayPayment(r.Context(), user, req)
		if err != nil {
			fail(w, h.Logger, "finalize_razorpay_payment", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "outcome": string(outcome)})
	}
}

// ListSubscriptions returns the caller's subscriptions, newest first.
func (h *SubscriptionHandler) ListSubscriptions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := h.caller(w, r)
		if !ok {
			return
		}

		views, err := h.Service.UserSubscriptions(r.Context(), user.ID)
		if err != nil {
			fail(w, h.Logger, "list_user_subscriptions", err)
			return
		}
		if views == nil {
			views = []models.SubscriptionView{}
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// CancelSubscription cancels one of the caller's recurring subscriptions at
// period end.
func (h *SubscriptionHandler) CancelSubscription() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := h.caller(w, r)
		if !ok {
			return
		}

		result, err := h.Service.Cancel(r.Context(), chi.URLParam(r, "id"), user.ID)
		if err != nil {
			fail(w, h.Logger, "cancel_subscription", err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// Entitlements returns the caller's active, unexpired subscriptions.
func (h *SubscriptionHandler) Entitlements() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := h.caller(w, r)
		if !ok {
			return
		}

		subs, err := h.Service.Entitlements(r.Context(), user.ID)
		if err != nil {
			fail(w, h.Logger, "entitlements", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entitlements": subs})
	}
}
