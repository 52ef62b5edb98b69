package models

// SubscriptionView is the listing representation shared by the admin and user
// subscription endpoints.
type SubscriptionView struct {
	ID           string             `json:"id"`
	Provider     Provider           `json:"provider"`
	Status       SubscriptionStatus `json:"status"`
	User         *UserSummary       `json:"user,omitempty"`
	CreatedAt    int64              `json:"created_at"`
	RenewsAt     *int64             `json:"renews_at,omitempty"`
	PlanName     string             `json:"plan_name"`
	PlanNickname string             `json:"plan_nickname"`
	UnitAmount   *int64             `json:"unit_amount,omitempty"`
	Currency     string             `json:"currency,omitempty"`
	PlanType     string             `json:"plan_type"`
}

// SubscriptionPage is one page of the admin subscription listing.
type SubscriptionPage struct {
	Subscriptions []SubscriptionView `json:"subscriptions"`
	Meta          PageMeta           `json:"meta"`
}

// PageMeta carries offset pagination state.
type PageMeta struct {
	More     bool    `json:"more"`
	Offset   int     `json:"offset"`
	Total    int     `json:"total"`
	Username *string `json:"username,omitempty"`
}

// CheckoutRequest represents a request to start a checkout for a plan.
type CheckoutRequest struct {
	PlanID string `json:"plan_id"`
}

// GrantRequest represents an administrative manual grant.
type GrantRequest struct {
	Username string `json:"username"`
	PlanID   string `json:"plan_id"`
	Duration *int   `json:"duration,omitempty"`
}

// RazorpayFinalizeRequest carries the client-side Razorpay checkout result.
type RazorpayFinalizeRequest struct {
	PlanID            string `json:"plan_id"`
	RazorpayPaymentID string `json:"razorpay_payment_id"`
	RazorpayOrderID   string `json:"razorpay_order_id"`
	RazorpaySignature string `json:"razorpay_signature"`
}

// CancelResult is returned after scheduling a cancellation at period end.
type CancelResult struct {
	ID       string             `json:"id"`
	Status   SubscriptionStatus `json:"status"`
	RenewsAt *int64             `json:"renews_at,omitempty"`
	PlanType string             `json:"plan_type"`
}
