package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
)

// Store is the entitlement store.
type Store interface {
	FindOrCreateCustomer(ctx context.Context, userID int64, customerRef string, productID *string) (*models.Customer, error)
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)
	SubscriptionExists(ctx context.Context, externalID string) (bool, error)
	UpdateSubscriptionStatus(ctx context.Context, id int64, status models.SubscriptionStatus) error
	UpdateSubscriptionPlan(ctx context.Context, id int64, planID string, productID *string) error
	ListActiveSubscriptionsForUser(ctx context.Context, userID, excludeID int64, now time.Time) ([]models.Subscription, error)
	ListExpiredActiveSubscriptions(ctx context.Context, now time.Time) ([]models.Subscription, error)
	ListEntitledSubscriptions(ctx context.Context, now time.Time) ([]models.SubscriptionWithUser, error)
	ListSubscriptionsForUser(ctx context.Context, userID int64) ([]models.Subscription, error)
	ListSubscriptions(ctx context.Context, filter models.SubscriptionFilter) ([]models.SubscriptionWithUser, int, error)
}

// Users is the user directory.
type Users interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	FindUserByUsername(ctx context.Context, username string) (*models.User, error)
	FindUserByUsernameOrEmail(ctx context.Context, login string) (*models.User, error)
	GetUserByCustomerID(ctx context.Context, customerID int64) (*models.User, error)
}

// Groups is the access-control group directory.
type Groups interface {
	FindGroupByName(ctx context.Context, name string) (*models.Group, error)
	AddMember(ctx context.Context, groupID, userID int64) (bool, error)
	RemoveMember(ctx context.Context, groupID, userID int64) (bool, error)
}

// PaymentProvider is implemented by each payment gateway.
type PaymentProvider interface {
	Name() models.Provider
	RetrievePlan(ctx context.Context, planID string) (*provider.Plan, error)
	VerifyWebhook(payload []byte, signature string) (*provider.Event, error)
	CreateCheckout(ctx context.Context, req provider.CheckoutRequest) (*provider.Checkout, error)
}

// SubscriptionAPI covers the recurring-subscription lifecycle, which only
// Stripe provides.
type SubscriptionAPI interface {
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*provider.Subscription, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) (*provider.Subscription, error)
	FirstLineItemPlan(ctx context.Context, sessionID string) (*provider.Plan, error)
}

// PaymentVerifier checks client-side payment signatures.
type PaymentVerifier interface {
	VerifyPayment(orderID, paymentID, signature string) error
}

// Registry selects a gateway by a subscription's provider tag or by the
// configured active provider.
type Registry struct {
	active    models.Provider
	providers map[models.Provider]PaymentProvider
}

// NewRegistry indexes providers by name. active picks the gateway used for
// new checkouts.
func NewRegistry(active models.Provider, providers ...PaymentProvider) *Registry {
	r := &Registry{active: active.OrLegacy(), providers: make(map[models.Provider]PaymentProvider, len(providers))}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

// Active returns the gateway configured for new checkouts.
func (r *Registry) Active() (PaymentProvider, error) {
	return r.lookup(r.active)
}

// For returns the gateway owning a subscription. Manual grants and legacy rows
// are priced in the Stripe catalog.
func (r *Registry) For(p models.Provider) (PaymentProvider, error) {
	switch p {
	case "", models.ProviderManual:
		p = models.ProviderStripe
	}
	return r.lookup(p)
}

func (r *Registry) lookup(p models.Provider) (PaymentProvider, error) {
	gw, ok := r.providers[p]
	if !ok {
		return nil, fmt.Errorf("%w: provider %s is not configured", ErrInvalidRequest, p)
	}
	return gw, nil
}

// RetrievePlan looks a plan up through the gateway owning p.
func (r *Registry) RetrievePlan(ctx context.Context, p models.Provider, planID string) (*provider.Plan, error) {
	gw, err := r.For(p)
	if err != nil {
		return nil, err
	}
	return gw.RetrievePlan(ctx, planID)
}
