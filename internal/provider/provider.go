// Package provider holds the provider-neutral shapes exchanged with payment
// gateways, and the typed errors gateways return.
package provider

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSignatureInvalid is returned when a webhook signature does not verify.
	ErrSignatureInvalid = errors.New("provider: webhook signature invalid")
	// ErrMalformedPayload is returned when an authenticated payload cannot be parsed.
	ErrMalformedPayload = errors.New("provider: malformed payload")
	// ErrPlanNotFound is returned when the provider has no such price or plan.
	ErrPlanNotFound = errors.New("provider: plan not found")
	// ErrNotFound is returned when the provider has no such object.
	ErrNotFound = errors.New("provider: object not found")
	// ErrUnavailable covers transport failures and unexpected API errors.
	ErrUnavailable = errors.New("provider: unavailable")
	// ErrRecurringUnsupported is returned by providers that only take one-time payments.
	ErrRecurringUnsupported = errors.New("provider: recurring plans are not supported")
)

// Metadata keys read from plan metadata.
const (
	MetadataGroupName = "group_name"
	MetadataDuration  = "duration"
)

// Price types.
const (
	PriceTypeRecurring = "recurring"
	PriceTypeOneTime   = "one_time"
)

// Plan is a priced offering in the provider catalog.
type Plan struct {
	ID          string            `json:"id"`
	ProductID   string            `json:"product"`
	ProductName string            `json:"product_name,omitempty"`
	Nickname    string            `json:"nickname,omitempty"`
	UnitAmount  int64             `json:"unit_amount"`
	Currency    string            `json:"currency"`
	Type        string            `json:"type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// GroupName returns the access-control group named in metadata, if any.
func (p *Plan) GroupName() string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Metadata[MetadataGroupName])
}

// DurationDays returns the fixed term in days. Zero means no expiry.
func (p *Plan) DurationDays() int {
	if p == nil {
		return 0
	}
	raw := strings.TrimSpace(p.Metadata[MetadataDuration])
	if raw == "" {
		return 0
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 0 {
		return 0
	}
	return days
}

// IsRecurring reports whether the price bills on an interval.
func (p *Plan) IsRecurring() bool {
	return p != nil && p.Type == PriceTypeRecurring
}

// CheckoutSession is a completed hosted checkout.
type CheckoutSession struct {
	ID             string
	SubscriptionID string
	CustomerID     string
	CustomerEmail  string
	PaymentStatus  string
	Status         string
	Metadata       map[string]string
}

// ExternalID is the subscription id when the checkout created one, otherwise the session id.
func (s *CheckoutSession) ExternalID() string {
	if s.SubscriptionID != "" {
		return s.SubscriptionID
	}
	return s.ID
}

// IsPaid reports whether the checkout collected payment.
func (s *CheckoutSession) IsPaid() bool {
	return s.PaymentStatus == "paid"
}

// Subscription is the provider-side view of a recurring subscription.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
	Price             *Plan
}

// Payment is a captured one-time payment.
type Payment struct {
	ID      string
	OrderID string
	Notes   map[string]string
}

// EventType is the normalized webhook event kind.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout_completed"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionDeleted EventType = "subscription_deleted"
	EventPaymentCaptured     EventType = "payment_captured"
	EventUnhandled           EventType = "unhandled"
)

// Event is an authenticated, parsed webhook event.
type Event struct {
	ID           string
	Type         EventType
	ProviderType string
	Checkout     *CheckoutSession
	Subscription *Subscription
	Payment      *Payment
}

// CheckoutRequest describes a checkout to start for a user and plan.
type CheckoutRequest struct {
	Plan       *Plan
	UserID     int64
	Username   string
	Email      string
	SuccessURL string
	CancelURL  string
}

// Checkout is the provider response to CheckoutRequest. Stripe fills SessionID
// and URL; Razorpay fills Order.
type Checkout struct {
	SessionID string         `json:"session_id,omitempty"`
	URL       string         `json:"url,omitempty"`
	Order     map[string]any `json:"order,omitempty"`
}
