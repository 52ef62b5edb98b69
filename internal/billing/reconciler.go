// Package billing reconciles local subscription state with payment provider
// events and keeps access-control group membership in step with it.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/store"
)

// Deps are the collaborators of a Reconciler. Payments may be nil when
// Razorpay is not configured.
type Deps struct {
	Store         Store
	Users         Users
	Groups        *GroupResolver
	Providers     *Registry
	Subscriptions SubscriptionAPI
	Payments      PaymentVerifier
	Metrics       *Metrics
	Logger        zerolog.Logger
	// BaseURL is the public site root used for checkout redirect URLs.
	BaseURL string
}

// Reconciler applies checkout completions, webhook events and administrative
// actions to the entitlement store and group membership.
type Reconciler struct {
	store         Store
	users         Users
	groups        *GroupResolver
	providers     *Registry
	subscriptions SubscriptionAPI
	payments      PaymentVerifier
	metrics       *Metrics
	logger        zerolog.Logger
	baseURL       string
	now           func() time.Time
	newID         func() string
}

// NewReconciler validates deps and builds a Reconciler.
func NewReconciler(d Deps, opts ...Option) (*Reconciler, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("billing: store is required")
	case d.Users == nil:
		return nil, errors.New("billing: user directory is required")
	case d.Groups == nil:
		return nil, errors.New("billing: group resolver is required")
	case d.Providers == nil:
		return nil, errors.New("billing: provider registry is required")
	case d.Subscriptions == nil:
		return nil, errors.New("billing: subscription API is required")
	}

	o := buildOptions(opts)
	return &Reconciler{
		store:         d.Store,
		users:         d.Users,
		groups:        d.Groups,
		providers:     d.Providers,
		subscriptions: d.Subscriptions,
		payments:      d.Payments,
		metrics:       d.Metrics,
		logger:        d.Logger.With().Str("component", "billing").Logger(),
		baseURL:       strings.TrimRight(d.BaseURL, "/"),
		now:           o.now,
		newID:         o.newID,
	}, nil
}

// HandleEvent dispatches an authenticated webhook event.
func (r *Reconciler) HandleEvent(ctx context.Context, event *provider.Event) (Outcome, error) {
	var (
		outcome Outcome
		err     error
	)

	switch event.Type {
	case provider.EventCheckoutCompleted:
		outcome, err = r.CheckoutCompleted(ctx, event.Checkout)
	case provider.EventSubscriptionUpdated:
		outcome, err = r.SubscriptionUpdated(ctx, event.Subscription)
	case provider.EventSubscriptionDeleted:
		outcome, err = r.SubscriptionDeleted(ctx, event.Subscription)
	case provider.EventPaymentCaptured:
		outcome, err = r.PaymentCaptured(ctx, event.Payment)
	default:
		outcome = OutcomeIgnored
	}

	if err != nil && outcome == "" {
		outcome = OutcomeFailed
	}
	r.metrics.ObserveEvent(string(event.Type), outcome)

	logEvent := r.logger.Info()
	if err != nil {
		logEvent = r.logger.Error().Err(err)
	}
	logEvent.Str("event_id", event.ID).
		Str("event_type", event.ProviderType).
		Str("outcome", string(outcome)).
		Msg("handled provider event")

	return outcome, err
}

// CheckoutCompleted records a paid checkout. Unpaid sessions and sessions
// already recorded are no-ops.
func (r *Reconciler) CheckoutCompleted(ctx context.Context, session *provider.CheckoutSession) (Outcome, error) {
	if session == nil {
		return OutcomeFailed, fmt.Errorf("%w: checkout session missing", ErrInvalidRequest)
	}
	if !session.IsPaid() {
		r.logger.Info().Str("session_id", session.ID).Str("payment_status", session.PaymentStatus).Msg("checkout not paid; ignoring")
		return OutcomeIgnored, nil
	}

	externalID := session.ExternalID()
	exists, err := r.store.SubscriptionExists(ctx, externalID)
	if err != nil {
		return OutcomeFailed, err
	}
	if exists {
		r.logger.Info().Str("external_id", externalID).Msg("subscription already recorded; duplicate checkout")
		return OutcomeDuplicate, nil
	}

	user, err := r.checkoutUser(ctx, session)
	if err != nil {
		return OutcomeFailed, err
	}

	plan, err := r.subscriptions.FirstLineItemPlan(ctx, session.ID)
	if err != nil {
		r.metrics.ProviderError("list_line_items")
		return OutcomeFailed, fmt.Errorf("%w: session %s: %v", ErrPlanResolution, session.ID, err)
	}

	_, outcome, err := r.finalize(ctx, grant{
		ExternalID:  externalID,
		CustomerRef: session.CustomerID,
		Plan:        plan,
		User:        user,
		Provider:    models.ProviderStripe,
	})
	return outcome, err
}

func (r *Reconciler) checkoutUser(ctx context.Context, session *provider.CheckoutSession) (*models.User, error) {
	logins := []string{session.CustomerEmail, session.Metadata["username"]}
	for _, login := range logins {
		if login == "" {
			continue
		}
		user, err := r.users.FindUserByUsernameOrEmail(ctx, login)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: checkout %s (email %q)", ErrUserNotFound, session.ID, session.CustomerEmail)
}

// SubscriptionUpdated applies a provider status change. Only statuses meaning
// the subscription is in force are applied; lapsed statuses are acknowledged
// without change.
func (r *Reconciler) SubscriptionUpdated(ctx context.Context, psub *provider.Subscription) (Outcome, error) {
	if psub == nil {
		return OutcomeFailed, fmt.Errorf("%w: subscription missing", ErrInvalidRequest)
	}
	status := models.SubscriptionStatus(psub.Status)
	if status != models.StatusActive && status != models.StatusComplete {
		r.logger.Info().Str("external_id", psub.ID).Str("status", psub.Status).Msg("subscription status not in force; ignoring")
		return OutcomeIgnored, nil
	}

	local, err := r.localSubscription(ctx, psub.ID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			r.logger.Info().Str("external_id", psub.ID).Msg("update for subscription not recorded locally; acknowledging")
			return OutcomeUnknownSubscription, nil
		}
		return OutcomeFailed, err
	}

	if err := r.store.UpdateSubscriptionStatus(ctx, local.ID, status); err != nil {
		return OutcomeFailed, err
	}

	if psub.Price != nil && psub.Price.ID != "" && psub.Price.ID != local.PlanID {
		if err := r.store.UpdateSubscriptionPlan(ctx, local.ID, psub.Price.ID, optional(psub.Price.ProductID)); err != nil {
			r.logger.Error().Err(err).Str("external_id", local.ExternalID).Msg("failed to record plan change")
		} else {
			r.logger.Info().Str("external_id", local.ExternalID).Str("from", local.PlanID).Str("to", psub.Price.ID).Msg("plan changed")
			local.PlanID = psub.Price.ID
		}
	}

	if status != models.StatusActive {
		return OutcomeUpdated, nil
	}

	user, err := r.users.GetUserByCustomerID(ctx, local.CustomerID)
	if err != nil {
		r.logger.Warn().Err(err).Str("external_id", local.ExternalID).Msg("owner not found; group not granted")
		return OutcomeUpdated, nil
	}

	plan := psub.Price
	if plan == nil {
		plan, err = r.providers.RetrievePlan(ctx, local.Provider, local.PlanID)
		if err != nil {
			r.metrics.ProviderError("retrieve_plan")
			r.logger.Error().Err(err).Str("external_id", local.ExternalID).Msg("plan lookup failed; group not granted")
			return OutcomeUpdated, nil
		}
	}
	r.grantGroup(ctx, user, plan, local.ExternalID)
	return OutcomeUpdated, nil
}

// SubscriptionDeleted records the provider's terminal status and removes the
// plan's group unless the user keeps it through another subscription.
func (r *Reconciler) SubscriptionDeleted(ctx context.Context, psub *provider.Subscription) (Outcome, error) {
	if psub == nil {
		return OutcomeFailed, fmt.Errorf("%w: subscription missing", ErrInvalidRequest)
	}

	local, err := r.localSubscription(ctx, psub.ID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			r.logger.Info().Str("external_id", psub.ID).Msg("deletion for subscription not recorded locally; acknowledging")
			return OutcomeUnknownSubscription, nil
		}
		return OutcomeFailed, err
	}

	status := models.SubscriptionStatus(psub.Status)
	if status == "" || status == models.StatusActive {
		status = models.StatusCanceled
	}
	if err := r.store.UpdateSubscriptionStatus(ctx, local.ID, status); err != nil {
		return OutcomeFailed, err
	}

	plan := psub.Price
	if plan == nil {
		plan, err = r.providers.RetrievePlan(ctx, local.Provider, local.PlanID)
		if err != nil {
			r.metrics.ProviderError("retrieve_plan")
			r.logger.Error().Err(err).Str("external_id", local.ExternalID).Msg("plan lookup failed; group removal skipped")
			return OutcomeUpdated, nil
		}
	}

	group, err := r.groups.Resolve(ctx, plan)
	if err != nil {
		r.logger.Error().Err(err).Str("external_id", local.ExternalID).Msg("group removal skipped")
		return OutcomeUpdated, nil
	}
	if group == nil {
		return OutcomeUpdated, nil
	}

	user, err := r.users.GetUserByCustomerID(ctx, local.CustomerID)
	if err != nil {
		r.logger.Warn().Err(err).Str("external_id", local.ExternalID).Msg("owner not found; group removal skipped")
		return OutcomeUpdated, nil
	}

	if _, err := r.groups.SafeRemove(ctx, user.ID, group, local.ID); err != nil {
		r.logger.Error().Err(err).
			Str("external_id", local.ExternalID).
			Int64("user_id", user.ID).
			Str("group", group.Name).
			Msg("group removal failed")
	}
	return OutcomeUpdated, nil
}

// PaymentCaptured records a captured one-time Razorpay payment. The payment
// notes must carry user_id and plan_id.
func (r *Reconciler) PaymentCaptured(ctx context.Context, payment *provider.Payment) (Outcome, error) {
	if payment == nil || payment.ID == "" {
		return OutcomeFailed, fmt.Errorf("%w: payment missing", ErrInvalidRequest)
	}
	userIDRaw, planID := payment.Notes["user_id"], payment.Notes["plan_id"]
	if userIDRaw == "" || planID == "" {
		return OutcomeFailed, fmt.Errorf("%w: payment %s is missing user_id or plan_id notes", ErrInvalidRequest, payment.ID)
	}

	exists, err := r.store.SubscriptionExists(ctx, payment.ID)
	if err != nil {
		return OutcomeFailed, err
	}
	if exists {
		return OutcomeDuplicate, nil
	}

	userID, err := strconv.ParseInt(userIDRaw, 10, 64)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("%w: payment %s user_id %q", ErrUserNotFound, payment.ID, userIDRaw)
	}
	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeFailed, fmt.Errorf("%w: user %d for payment %s", ErrUserNotFound, userID, payment.ID)
		}
		return OutcomeFailed, err
	}

	plan, err := r.retrievePlan(ctx, models.ProviderRazorpay, planID)
	if err != nil {
		return OutcomeFailed, err
	}

	_, outcome, err := r.finalize(ctx, grant{
		ExternalID:  payment.ID,
		CustomerRef: razorpayCustomerRef(user.ID),
		Plan:        plan,
		User:        user,
		Provider:    models.ProviderRazorpay,
	})
	return outcome, err
}

func (r *Reconciler) localSubscription(ctx context.Context, externalID string) (*models.Subscription, error) {
	sub, err := r.store.GetSubscriptionByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionNotFound, externalID)
	}
	return sub, err
}

// retrievePlan maps provider failures onto ErrPlanNotFound or ErrPlanUnavailable.
func (r *Reconciler) retrievePlan(ctx context.Context, p models.Provider, planID string) (*provider.Plan, error) {
	plan, err := r.providers.RetrievePlan(ctx, p, planID)
	if err == nil {
		return plan, nil
	}
	r.metrics.ProviderError("retrieve_plan")
	if errors.Is(err, provider.ErrPlanNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	if errors.Is(err, ErrInvalidRequest) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrPlanUnavailable, planID, err)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func manualCustomerRef(userID int64) string {
	return "cus_manual_" + strconv.FormatInt(userID, 10)
}

func razorpayCustomerRef(userID int64) string {
	return "cus_razorpay_" + strconv.FormatInt(userID, 10)
}
