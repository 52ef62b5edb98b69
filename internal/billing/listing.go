package billing

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
)

// AdminPageSize is the number of subscriptions per admin listing page.
const AdminPageSize = 50

const (
	enrichConcurrency = 5
	notAvailable      = "N/A"
)

// AdminSubscriptions returns one page of all subscriptions, newest first,
// optionally narrowed to one username.
func (r *Reconciler) AdminSubscriptions(ctx context.Context, offset int, username string) (*models.SubscriptionPage, error) {
	if offset < 0 {
		offset = 0
	}
	username = strings.TrimSpace(username)

	items, total, err := r.store.ListSubscriptions(ctx, models.SubscriptionFilter{
		Offset:   offset,
		Limit:    AdminPageSize,
		Username: username,
	})
	if err != nil {
		return nil, err
	}

	views := make([]models.SubscriptionView, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for i := range items {
		i := i
		g.Go(func() error {
			view := r.view(gctx, &items[i].Subscription)
			summary := items[i].User.Summary()
			view.User = &summary
			views[i] = view
			return nil
		})
	}
	_ = g.Wait()

	page := &models.SubscriptionPage{
		Subscriptions: views,
		Meta: models.PageMeta{
			More:   total > offset+AdminPageSize,
			Offset: offset + AdminPageSize,
			Total:  total,
		},
	}
	if username != "" {
		page.Meta.Username = &username
	}
	return page, nil
}

// UserSubscriptions returns the user's subscriptions, newest first.
func (r *Reconciler) UserSubscriptions(ctx context.Context, userID int64) ([]models.SubscriptionView, error) {
	subs, err := r.store.ListSubscriptionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]models.SubscriptionView, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for i := range subs {
		i := i
		g.Go(func() error {
			views[i] = r.view(gctx, &subs[i])
			return nil
		})
	}
	_ = g.Wait()
	return views, nil
}

// Entitlements returns the user's active, unexpired subscriptions.
func (r *Reconciler) Entitlements(ctx context.Context, userID int64) ([]models.Subscription, error) {
	subs, err := r.store.ListActiveSubscriptionsForUser(ctx, userID, 0, r.now())
	if err != nil {
		return nil, err
	}
	if subs == nil {
		subs = []models.Subscription{}
	}
	return subs, nil
}

// view renders a subscription for listing. Recurring Stripe subscriptions are
// refreshed from Stripe; one-time grants report their expiry as the renewal.
func (r *Reconciler) view(ctx context.Context, sub *models.Subscription) models.SubscriptionView {
	v := models.SubscriptionView{
		ID:           sub.ExternalID,
		Provider:     sub.Provider.OrLegacy(),
		Status:       sub.Status,
		CreatedAt:    sub.CreatedAt.Unix(),
		PlanName:     notAvailable,
		PlanNickname: notAvailable,
		PlanType:     provider.PriceTypeOneTime,
	}

	if v.Provider == models.ProviderStripe && strings.HasPrefix(sub.ExternalID, "sub_") {
		psub, err := r.subscriptions.RetrieveSubscription(ctx, sub.ExternalID)
		if err != nil {
			r.metrics.ProviderError("retrieve_subscription")
			r.logger.Warn().Err(err).Str("external_id", sub.ExternalID).Msg("subscription not retrievable from stripe")
			v.Status = models.StatusNotInStripe
			return v
		}

		v.Status = models.SubscriptionStatus(psub.Status)
		if psub.CancelAtPeriodEnd {
			v.Status = models.StatusCanceled
		}
		if psub.CurrentPeriodEnd != nil {
			end := psub.CurrentPeriodEnd.Unix()
			v.RenewsAt = &end
		}
		if price := psub.Price; price != nil {
			v.PlanNickname = orNA(price.Nickname)
			v.PlanName = orNA(price.ProductName)
			amount := price.UnitAmount
			v.UnitAmount = &amount
			v.Currency = price.Currency
			if price.Type != "" {
				v.PlanType = price.Type
			}
		}
		return v
	}

	if sub.ExpiresAt != nil {
		end := sub.ExpiresAt.Unix()
		v.RenewsAt = &end
	}
	return v
}

func orNA(s string) string {
	if s == "" {
		return notAvailable
	}
	return s
}
