package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
)

// Client wraps the Stripe API. Each Client carries its own key, so no
// package-level stripe.Key is mutated.
type Client struct {
	api           *client.API
	secretKey     string
	webhookSecret string
	timeout       time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithBackends points the client at custom backends, used by tests.
func WithBackends(backends *stripego.Backends) Option {
	return func(c *Client) {
		c.api = client.New(c.secretKey, backends)
	}
}

// WithTimeout bounds every API round trip.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// NewClient creates a new Stripe API client
func NewClient(secretKey, webhookSecret string, opts ...Option) *Client {
	c := &Client{
		api:           client.New(secretKey, nil),
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		timeout:       10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name identifies the provider.
func (c *Client) Name() models.Provider {
	return models.ProviderStripe
}

// RetrievePlan fetches a price with its product expanded.
func (c *Client) RetrievePlan(ctx context.Context, planID string) (*provider.Plan, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &stripego.PriceParams{}
	params.Context = ctx
	params.AddExpand("product")

	price, err := c.api.Prices.Get(planID, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve price %s: %w", planID, classify(err, provider.ErrPlanNotFound))
	}
	return planFromPrice(price), nil
}

// RetrieveSubscription fetches a subscription with its price and product expanded.
func (c *Client) RetrieveSubscription(ctx context.Context, subscriptionID string) (*provider.Subscription, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &stripego.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("items.data.price.product")

	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve subscription %s: %w", subscriptionID, classify(err, provider.ErrNotFound))
	}
	return subscriptionFromStripe(sub), nil
}

// CancelAtPeriodEnd schedules the subscription to end at the close of its current period.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*provider.Subscription, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &stripego.SubscriptionParams{
		CancelAtPeriodEnd: stripego.Bool(true),
	}
	params.Context = ctx

	sub, err := c.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("cancel subscription %s: %w", subscriptionID, classify(err, provider.ErrNotFound))
	}
	return subscriptionFromStripe(sub), nil
}

// FirstLineItemPlan returns the price of the first line item of a checkout session.
func (c *Client) FirstLineItemPlan(ctx context.Context, sessionID string) (*provider.Plan, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := &stripego.CheckoutSessionListLineItemsParams{
		Session: stripego.String(sessionID),
	}
	params.Context = ctx
	params.Limit = stripego.Int64(1)
	params.Single = true

	iter := c.api.CheckoutSessions.ListLineItems(params)
	for iter.Next() {
		item := iter.LineItem()
		if item != nil && item.Price != nil {
			return planFromPrice(item.Price), nil
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list line items for %s: %w", sessionID, classify(err, provider.ErrPlanNotFound))
	}
	return nil, fmt.Errorf("list line items for %s: %w", sessionID, provider.ErrPlanNotFound)
}

// CreateCheckout creates a hosted Checkout Session. Recurring prices open a
// subscription checkout, everything else a one-time payment.
func (c *Client) CreateCheckout(ctx context.Context, req provider.CheckoutRequest) (*provider.Checkout, error) {
	if req.Plan == nil {
		return nil, fmt.Errorf("create checkout session: %w", provider.ErrPlanNotFound)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	mode := stripego.CheckoutSessionModePayment
	if req.Plan.IsRecurring() {
		mode = stripego.CheckoutSessionModeSubscription
	}

	params := &stripego.CheckoutSessionParams{
		PaymentMethodTypes: stripego.StringSlice([]string{"card"}),
		LineItems: []*stripego.CheckoutSessionLineItemParams{
			{Price: stripego.String(req.Plan.ID), Quantity: stripego.Int64(1)},
		},
		Mode:       stripego.String(string(mode)),
		SuccessURL: stripego.String(req.SuccessURL),
		CancelURL:  stripego.String(req.CancelURL),
	}
	if req.Email != "" {
		params.CustomerEmail = stripego.String(req.Email)
	}
	params.Context = ctx
	params.AddMetadata("user_id", strconv.FormatInt(req.UserID, 10))
	params.AddMetadata("username", req.Username)

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", classify(err, provider.ErrPlanNotFound))
	}

	return &provider.Checkout{SessionID: session.ID, URL: session.URL}, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// classify maps a Stripe error onto the provider error kinds. Missing objects
// become notFound; everything else is treated as the provider being unavailable.
func classify(err error, notFound error) error {
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripego.ErrorCodeResourceMissing {
			return fmt.Errorf("%w: %s", notFound, stripeErr.Msg)
		}
		return fmt.Errorf("%w: %s", provider.ErrUnavailable, stripeErr.Msg)
	}
	return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
}

func planFromPrice(price *stripego.Price) *provider.Plan {
	if price == nil {
		return nil
	}
	plan := &provider.Plan{
		ID:         price.ID,
		Nickname:   price.Nickname,
		UnitAmount: price.UnitAmount,
		Currency:   string(price.Currency),
		Type:       string(price.Type),
		Metadata:   price.Metadata,
	}
	if plan.Metadata == nil {
		plan.Metadata = map[string]string{}
	}
	if price.Product != nil {
		plan.ProductID = price.Product.ID
		plan.ProductName = price.Product.Name
	}
	return plan
}

func subscriptionFromStripe(sub *stripego.Subscription) *provider.Subscription {
	if sub == nil {
		return nil
	}
	out := &provider.Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.Price = planFromPrice(item.Price)
		if item.CurrentPeriodEnd > 0 {
			end := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			out.CurrentPeriodEnd = &end
		}
	}
	return out
}
