package stripe

import (
	"encoding/json"
	"errors"
	"fmt"

	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
)

// Stripe event types the reconciler reacts to.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
)

// VerifyWebhook checks the Stripe-Signature header against the signing secret
// and parses the event. Events are accepted regardless of the API version they
// were rendered with; only the fields read below matter.
func (c *Client) VerifyWebhook(payload []byte, signature string) (*provider.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", provider.ErrSignatureInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err)
	}

	return parseEvent(event)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func parseEvent(event stripego.Event) (*provider.Event, error) {
	out := &provider.Event{
		ID:           event.ID,
		ProviderType: string(event.Type),
		Type:         provider.EventUnhandled,
	}
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", provider.ErrMalformedPayload, event.ID)
	}

	switch string(event.Type) {
	case EventCheckoutSessionCompleted:
		var session stripego.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", provider.ErrMalformedPayload, err)
		}
		out.Type = provider.EventCheckoutCompleted
		out.Checkout = checkoutFromStripe(&session)

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripego.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", provider.ErrMalformedPayload, err)
		}
		out.Type = provider.EventSubscriptionUpdated
		if string(event.Type) == EventSubscriptionDeleted {
			out.Type = provider.EventSubscriptionDeleted
		}
		out.Subscription = subscriptionFromStripe(&sub)
	}

	return out, nil
}

func checkoutFromStripe(session *stripego.CheckoutSession) *provider.CheckoutSession {
	out := &provider.CheckoutSession{
		ID:            session.ID,
		CustomerEmail: session.CustomerEmail,
		PaymentStatus: string(session.PaymentStatus),
		Status:        string(session.Status),
		Metadata:      session.Metadata,
	}
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		out.CustomerEmail = session.CustomerDetails.Email
	}
	if session.Customer != nil {
		out.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		out.SubscriptionID = session.Subscription.ID
	}
	return out
}
