package billing

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
)

// ReconcileResult summarises one group reconciliation pass.
type ReconcileResult struct {
	Examined      int `json:"examined"`
	Added         int `json:"added"`
	AlreadyMember int `json:"already_member"`
	NoGroup       int `json:"no_group"`
	Failed        int `json:"failed"`
}

type planKey struct {
	provider models.Provider
	planID   string
}

// ReconcileGroups re-derives group membership from subscription state: every
// user holding an active, unexpired subscription whose plan maps to a group
// is added to that group if missing. It repairs grants lost between recording
// a subscription and adding the group, and is safe to run repeatedly.
func (r *Reconciler) ReconcileGroups(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult

	entitled, err := r.store.ListEntitledSubscriptions(ctx, r.now())
	if err != nil {
		return result, fmt.Errorf("reconcile: list entitled subscriptions: %w", err)
	}

	plans := map[planKey]*provider.Plan{}
	var errs *multierror.Error

	for _, item := range entitled {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		sub := item.Subscription
		result.Examined++

		key := planKey{provider: sub.Provider.OrLegacy(), planID: sub.PlanID}
		plan, ok := plans[key]
		if !ok {
			plan, err = r.providers.RetrievePlan(ctx, sub.Provider, sub.PlanID)
			if err != nil {
				r.metrics.ProviderError("retrieve_plan")
				result.Failed++
				errs = multierror.Append(errs, fmt.Errorf("plan %s for %s: %w", sub.PlanID, sub.ExternalID, err))
				continue
			}
			plans[key] = plan
		}

		group, err := r.groups.Resolve(ctx, plan)
		if err != nil {
			result.Failed++
			errs = multierror.Append(errs, fmt.Errorf("group for %s: %w", sub.ExternalID, err))
			continue
		}
		if group == nil {
			result.NoGroup++
			continue
		}

		added, err := r.groups.Grant(ctx, item.User.ID, group)
		if err != nil {
			result.Failed++
			errs = multierror.Append(errs, fmt.Errorf("grant %s to user %d: %w", group.Name, item.User.ID, err))
			continue
		}
		if added {
			result.Added++
			r.logger.Warn().
				Str("external_id", sub.ExternalID).
				Int64("user_id", item.User.ID).
				Str("group", group.Name).
				Msg("restored missing group membership")
		} else {
			result.AlreadyMember++
		}
	}

	r.logger.Info().
		Int("examined", result.Examined).
		Int("added", result.Added).
		Int("already_member", result.AlreadyMember).
		Int("no_group", result.NoGroup).
		Int("failed", result.Failed).
		Msg("group reconciliation finished")

	return result, errs.ErrorOrNil()
}
