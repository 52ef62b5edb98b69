package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/billing"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
)

const maxWebhookBody = 65536

// EventHandler applies authenticated provider events.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *provider.Event) (billing.Outcome, error)
}

// WebhookVerifier authenticates and parses a provider webhook.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, signature string) (*provider.Event, error)
}

// WebhookHandler receives Stripe and Razorpay webhooks.
type WebhookHandler struct {
	Events   EventHandler
	Stripe   WebhookVerifier
	Razorpay WebhookVerifier
	// Timeout bounds applying one event. Zero means no bound.
	Timeout time.Duration
	Logger  zerolog.Logger
}

// NewWebhookHandler creates a WebhookHandler. razorpay may be nil.
func NewWebhookHandler(events EventHandler, stripe, razorpay WebhookVerifier, timeout time.Duration, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		Events:   events,
		Stripe:   stripe,
		Razorpay: razorpay,
		Timeout:  timeout,
		Logger:   logger.With().Str("component", "webhook").Logger(),
	}
}

// RegisterRoutes registers the webhook endpoints.
func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.Post("/s/hooks", h.HandleStripe())
	if h.Razorpay != nil {
		router.Post("/s/hooks/razorpay", h.HandleRazorpay())
	}
}

// HandleStripe processes Stripe webhook events.
func (h *WebhookHandler) HandleStripe() http.HandlerFunc {
	return h.handle(h.Stripe, "Stripe-Signature", "stripe")
}

// HandleRazorpay processes Razorpay webhook events.
func (h *WebhookHandler) HandleRazorpay() http.HandlerFunc {
	return h.handle(h.Razorpay, "X-Razorpay-Signature", "razorpay")
}

// handle authenticates the payload before anything else runs. An authenticated
// event is answered with 200 even when applying it failed; only a request the
// reconciler rejects outright gets 400. The event is applied on a context
// detached from the request, so a client disconnect cannot stop it between
// recording a subscription and granting its group.
func (h *WebhookHandler) handle(verifier WebhookVerifier, signatureHeader, source string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := h.Logger.With().Str("source", source).Logger()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}

		event, err := verifier.VerifyWebhook(body, r.Header.Get(signatureHeader))
		switch {
		case errors.Is(err, provider.ErrSignatureInvalid):
			log.Warn().Msg("webhook signature rejected")
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		case err != nil:
			log.Warn().Err(err).Msg("webhook payload rejected")
			writeError(w, http.StatusBadRequest, "invalid webhook payload")
			return
		}

		ctx := context.WithoutCancel(r.Context())
		if h.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.Timeout)
			defer cancel()
		}

		outcome, err := h.Events.HandleEvent(ctx, event)
		if errors.Is(err, billing.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			log.Error().Err(err).
				Str("event_id", event.ID).
				Str("event_type", event.ProviderType).
				Msg("event acknowledged despite failure; manual follow-up required")
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "outcome": string(outcome)})
	}
}
