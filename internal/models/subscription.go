package models

import "time"

// Provider identifies where a subscription's payment lifecycle lives.
type Provider string

const (
	ProviderStripe   Provider = "Stripe"
	ProviderRazorpay Provider = "Razorpay"
	ProviderManual   Provider = "Manual"
)

// OrLegacy treats an unset provider as Stripe, which predates the provider column.
func (p Provider) OrLegacy() Provider {
	if p == "" {
		return ProviderStripe
	}
	return p
}

// SubscriptionStatus is the local lifecycle state of a subscription. Provider
// statuses (for example "complete" or "incomplete_expired") are stored verbatim.
type SubscriptionStatus string

const (
	StatusActive      SubscriptionStatus = "active"
	StatusComplete    SubscriptionStatus = "complete"
	StatusCanceled    SubscriptionStatus = "canceled"
	StatusRevoked     SubscriptionStatus = "revoked"
	StatusExpired     SubscriptionStatus = "expired"
	StatusNotInStripe SubscriptionStatus = "not_in_stripe"
)

// Customer links a platform user to a provider billing identity.
type Customer struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	CustomerID string    `json:"customer_id"`
	ProductID  *string   `json:"product_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Subscription is one grant of entitlement, recurring or one-time.
type Subscription struct {
	ID         int64              `json:"id"`
	CustomerID int64              `json:"customer_id"`
	ExternalID string             `json:"external_id"`
	PlanID     string             `json:"plan_id"`
	ProductID  *string            `json:"product_id,omitempty"`
	Provider   Provider           `json:"provider,omitempty"`
	Status     SubscriptionStatus `json:"status"`
	Duration   *int               `json:"duration,omitempty"`
	ExpiresAt  *time.Time         `json:"expires_at,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// IsEntitled reports whether the subscription currently grants access.
func (s *Subscription) IsEntitled(now time.Time) bool {
	if s.Status != StatusActive {
		return false
	}
	return s.ExpiresAt == nil || s.ExpiresAt.After(now)
}

// IsStale reports an active subscription whose fixed term has already ended.
func (s *Subscription) IsStale(now time.Time) bool {
	return s.Status == StatusActive && s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// SubscriptionWithUser pairs a subscription with the user that owns it.
type SubscriptionWithUser struct {
	Subscription Subscription `json:"subscription"`
	User         User         `json:"user"`
}

// SubscriptionFilter narrows the admin subscription listing.
type SubscriptionFilter struct {
	Offset   int
	Limit    int
	Username string
}
