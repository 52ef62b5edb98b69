package billing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/store"
)

// grant is one entitlement to record: a paid checkout, a captured payment or
// a manual grant.
type grant struct {
	ExternalID  string
	CustomerRef string
	Plan        *provider.Plan
	User        *models.User
	Provider    models.Provider
	// Duration overrides the plan's duration metadata when set.
	Duration *int
}

// finalize creates the customer and subscription rows, then grants the plan's
// group. A group failure is logged and does not undo the subscription; the
// group reconciliation pass repairs it later.
func (r *Reconciler) finalize(ctx context.Context, g grant) (*models.Subscription, Outcome, error) {
	days := g.Plan.DurationDays()
	if g.Duration != nil {
		if *g.Duration < 0 {
			return nil, OutcomeFailed, fmt.Errorf("%w: duration must not be negative", ErrInvalidRequest)
		}
		days = *g.Duration
	}

	productID := optional(g.Plan.ProductID)
	customer, err := r.store.FindOrCreateCustomer(ctx, g.User.ID, g.CustomerRef, productID)
	if err != nil {
		return nil, OutcomeFailed, err
	}

	sub := &models.Subscription{
		CustomerID: customer.ID,
		ExternalID: g.ExternalID,
		PlanID:     g.Plan.ID,
		ProductID:  productID,
		Provider:   g.Provider,
		Status:     models.StatusActive,
	}
	if days > 0 {
		expiresAt := r.now().Add(time.Duration(days) * 24 * time.Hour)
		sub.Duration = &days
		sub.ExpiresAt = &expiresAt
	}

	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			r.logger.Info().Str("external_id", g.ExternalID).Msg("subscription already recorded; duplicate event")
			return nil, OutcomeDuplicate, nil
		}
		return nil, OutcomeFailed, err
	}

	r.logger.Info().
		Str("external_id", sub.ExternalID).
		Int64("user_id", g.User.ID).
		Str("plan_id", sub.PlanID).
		Str("provider", string(sub.Provider)).
		Msg("subscription created")

	r.grantGroup(ctx, g.User, g.Plan, sub.ExternalID)
	return sub, OutcomeCreated, nil
}

func (r *Reconciler) grantGroup(ctx context.Context, user *models.User, plan *provider.Plan, externalID string) {
	group, err := r.groups.Resolve(ctx, plan)
	if err != nil {
		r.logger.Error().Err(err).Str("external_id", externalID).Int64("user_id", user.ID).Msg("group not granted")
		return
	}
	if group == nil {
		return
	}
	if _, err := r.groups.Grant(ctx, user.ID, group); err != nil {
		r.logger.Error().Err(err).
			Str("external_id", externalID).
			Int64("user_id", user.ID).
			Str("group", group.Name).
			Msg("group not granted")
	}
}

// ManualGrant records an administrative grant of planID to username. duration
// overrides the plan's duration in days; zero means no expiry.
func (r *Reconciler) ManualGrant(ctx context.Context, username, planID string, duration *int) (*models.Subscription, error) {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(planID) == "" {
		return nil, fmt.Errorf("%w: username and plan_id are required", ErrInvalidRequest)
	}
	if duration != nil && *duration < 0 {
		return nil, fmt.Errorf("%w: duration must not be negative", ErrInvalidRequest)
	}

	user, err := r.users.FindUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		return nil, err
	}

	plan, err := r.retrievePlan(ctx, models.ProviderManual, planID)
	if err != nil {
		return nil, err
	}

	sub, outcome, err := r.finalize(ctx, grant{
		ExternalID:  "manual_" + r.newID(),
		CustomerRef: manualCustomerRef(user.ID),
		Plan:        plan,
		User:        user,
		Provider:    models.ProviderManual,
		Duration:    duration,
	})
	if err != nil {
		return nil, err
	}
	if outcome == OutcomeDuplicate {
		return nil, ErrDuplicateEvent
	}
	return sub, nil
}

// FinalizeRazorpayPayment records a Razorpay checkout the browser reports as
// paid, once its signature verifies. Reporting the same payment twice is a no-op.
func (r *Reconciler) FinalizeRazorpayPayment(ctx context.Context, user *models.User, req models.RazorpayFinalizeRequest) (Outcome, error) {
	if r.payments == nil {
		return OutcomeFailed, fmt.Errorf("%w: razorpay is not configured", ErrInvalidRequest)
	}
	if req.PlanID == "" || req.RazorpayPaymentID == "" || req.RazorpayOrderID == "" || req.RazorpaySignature == "" {
		return OutcomeFailed, fmt.Errorf("%w: plan_id, razorpay_payment_id, razorpay_order_id and razorpay_signature are required", ErrInvalidRequest)
	}
	if err := r.payments.VerifyPayment(req.RazorpayOrderID, req.RazorpayPaymentID, req.RazorpaySignature); err != nil {
		return OutcomeFailed, err
	}

	plan, err := r.retrievePlan(ctx, models.ProviderRazorpay, req.PlanID)
	if err != nil {
		return OutcomeFailed, err
	}

	_, outcome, err := r.finalize(ctx, grant{
		ExternalID:  req.RazorpayPaymentID,
		CustomerRef: razorpayCustomerRef(user.ID),
		Plan:        plan,
		User:        user,
		Provider:    models.ProviderRazorpay,
	})
	return outcome, err
}

// CreateCheckout starts a checkout for planID with the active provider.
func (r *Reconciler) CreateCheckout(ctx context.Context, user *models.User, planID string) (*provider.Checkout, error) {
	if strings.TrimSpace(planID) == "" {
		return nil, fmt.Errorf("%w: plan_id is required", ErrInvalidRequest)
	}
	gw, err := r.providers.Active()
	if err != nil {
		return nil, err
	}

	plan, err := r.retrievePlan(ctx, gw.Name(), planID)
	if err != nil {
		return nil, err
	}

	req := provider.CheckoutRequest{
		Plan:       plan,
		UserID:     user.ID,
		Username:   user.Username,
		SuccessURL: fmt.Sprintf("%s/u/%s/billing/subscriptions?checkout=success", r.baseURL, url.PathEscape(strings.ToLower(user.Username))),
		CancelURL:  r.baseURL + "/s?checkout=cancel",
	}
	if user.Email != nil {
		req.Email = *user.Email
	}

	checkout, err := gw.CreateCheckout(ctx, req)
	if err != nil {
		if errors.Is(err, provider.ErrRecurringUnsupported) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		r.metrics.ProviderError("create_checkout")
		return nil, err
	}

	r.logger.Info().Int64("user_id", user.ID).Str("plan_id", plan.ID).Str("provider", string(gw.Name())).Msg("checkout created")
	return checkout, nil
}

// Revoke ends a subscription administratively: the plan's group is removed
// unless the user keeps it through another subscription, then the status
// becomes revoked. The plan must be retrievable, since without it the group
// to remove is unknown.
func (r *Reconciler) Revoke(ctx context.Context, externalID string) error {
	local, err := r.localSubscription(ctx, externalID)
	if err != nil {
		return err
	}

	plan, err := r.providers.RetrievePlan(ctx, local.Provider, local.PlanID)
	if err != nil {
		r.metrics.ProviderError("retrieve_plan")
		return fmt.Errorf("%w: %s: %v", ErrPlanUnavailable, local.PlanID, err)
	}

	group, err := r.groups.Resolve(ctx, plan)
	if err != nil {
		return err
	}

	if group != nil {
		user, err := r.users.GetUserByCustomerID(ctx, local.CustomerID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: owner of %s", ErrUserNotFound, externalID)
			}
			return err
		}
		if _, err := r.groups.SafeRemove(ctx, user.ID, group, local.ID); err != nil {
			return fmt.Errorf("revoke %s: %w", externalID, err)
		}
	} else {
		r.logger.Info().Str("external_id", externalID).Msg("plan grants no group; nothing to remove")
	}

	if err := r.store.UpdateSubscriptionStatus(ctx, local.ID, models.StatusRevoked); err != nil {
		return err
	}
	r.logger.Info().Str("external_id", externalID).Msg("subscription revoked")
	return nil
}

// Cancel schedules a recurring Stripe subscription to end at the close of its
// period and marks it canceled locally. When ownerID is not zero the
// subscription must belong to that user.
func (r *Reconciler) Cancel(ctx context.Context, externalID string, ownerID int64) (*models.CancelResult, error) {
	local, err := r.localSubscription(ctx, externalID)
	if err != nil && (ownerID != 0 || !errors.Is(err, ErrSubscriptionNotFound)) {
		return nil, err
	}

	if local != nil {
		if ownerID != 0 {
			owner, err := r.users.GetUserByCustomerID(ctx, local.CustomerID)
			if err != nil || owner.ID != ownerID {
				return nil, fmt.Errorf("%w: %s", ErrForbidden, externalID)
			}
		}
		if local.Provider.OrLegacy() != models.ProviderStripe {
			return nil, fmt.Errorf("%w: %s subscriptions have no provider lifecycle to cancel", ErrInvalidRequest, local.Provider)
		}
	}
	if !strings.HasPrefix(externalID, "sub_") {
		return nil, fmt.Errorf("%w: %s is not a recurring subscription", ErrInvalidRequest, externalID)
	}

	psub, err := r.subscriptions.CancelAtPeriodEnd(ctx, externalID)
	if err != nil {
		r.metrics.ProviderError("cancel_subscription")
		if errors.Is(err, provider.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, externalID)
		}
		return nil, err
	}

	if local != nil {
		if err := r.store.UpdateSubscriptionStatus(ctx, local.ID, models.StatusCanceled); err != nil {
			return nil, err
		}
	}

	result := &models.CancelResult{ID: externalID, Status: models.StatusCanceled, PlanType: provider.PriceTypeRecurring}
	if psub.CurrentPeriodEnd != nil {
		end := psub.CurrentPeriodEnd.Unix()
		result.RenewsAt = &end
	}
	if psub.Price != nil && psub.Price.Type != "" {
		result.PlanType = psub.Price.Type
	}
	r.logger.Info().Str("external_id", externalID).Int64("owner_id", ownerID).Msg("subscription set to cancel at period end")
	return result, nil
}
