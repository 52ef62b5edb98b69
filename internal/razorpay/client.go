// Package razorpay is the Razorpay payment gateway. Razorpay only takes
// one-time payments here; plans are still catalogued in Stripe, so plan
// lookups are delegated to a PlanCatalog.
package razorpay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	rzp "github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
)

// PlanCatalog resolves plan ids to priced plans.
type PlanCatalog interface {
	RetrievePlan(ctx context.Context, planID string) (*provider.Plan, error)
}

// OrderCreator is the subset of the Razorpay orders resource used here.
type OrderCreator interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// Client talks to Razorpay with one set of credentials fixed at construction.
type Client struct {
	orders        OrderCreator
	catalog       PlanCatalog
	keySecret     string
	webhookSecret string
}

// Option customises a Client.
type Option func(*Client)

// WithOrders replaces the orders resource, used by tests.
func WithOrders(orders OrderCreator) Option {
	return func(c *Client) {
		c.orders = orders
	}
}

// ErrMissingCredentials is returned by NewClient when a key or secret is empty.
var ErrMissingCredentials = errors.New("razorpay: key id, key secret and webhook secret are required")

// NewClient builds a Razorpay gateway. All three credentials are required.
func NewClient(keyID, keySecret, webhookSecret string, catalog PlanCatalog, opts ...Option) (*Client, error) {
	if keyID == "" || keySecret == "" || webhookSecret == "" {
		return nil, ErrMissingCredentials
	}
	c := &Client{
		orders:        rzp.NewClient(keyID, keySecret).Order,
		catalog:       catalog,
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Name identifies the provider.
func (c *Client) Name() models.Provider {
	return models.ProviderRazorpay
}

// RetrievePlan looks the plan up in the catalog.
func (c *Client) RetrievePlan(ctx context.Context, planID string) (*provider.Plan, error) {
	if c.catalog == nil {
		return nil, fmt.Errorf("retrieve plan %s: %w", planID, provider.ErrUnavailable)
	}
	return c.catalog.RetrievePlan(ctx, planID)
}

// CreateCheckout creates an order for the plan's unit amount. The notes carry
// the user and plan so the payment.captured webhook can finalize the grant.
func (c *Client) CreateCheckout(ctx context.Context, req provider.CheckoutRequest) (*provider.Checkout, error) {
	if req.Plan == nil {
		return nil, fmt.Errorf("create order: %w", provider.ErrPlanNotFound)
	}
	if req.Plan.IsRecurring() {
		return nil, fmt.Errorf("create order for %s: %w", req.Plan.ID, provider.ErrRecurringUnsupported)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data := map[string]interface{}{
		"amount":   req.Plan.UnitAmount,
		"currency": strings.ToUpper(req.Plan.Currency),
		"receipt":  "rcpt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
		"notes": map[string]interface{}{
			"user_id":  strconv.FormatInt(req.UserID, 10),
			"username": req.Username,
			"plan_id":  req.Plan.ID,
		},
	}

	order, err := c.orders.Create(data, nil)
	if err != nil {
		return nil, fmt.Errorf("create order: %w: %v", provider.ErrUnavailable, err)
	}
	return &provider.Checkout{Order: order}, nil
}

// VerifyPayment checks the signature Razorpay Checkout hands back to the
// browser: an HMAC-SHA256 of "order_id|payment_id" keyed with the key secret.
func (c *Client) VerifyPayment(orderID, paymentID, signature string) error {
	if orderID == "" || paymentID == "" || signature == "" || c.keySecret == "" {
		return fmt.Errorf("verify payment: %w", provider.ErrSignatureInvalid)
	}
	if !utils.VerifyWebhookSignature(orderID+"|"+paymentID, signature, c.keySecret) {
		return fmt.Errorf("verify payment %s: %w", paymentID, provider.ErrSignatureInvalid)
	}
	return nil
}
