package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/store"
)

// GroupResolver maps plans to access-control groups and decides whether a
// user keeps a group when one of their subscriptions ends.
type GroupResolver struct {
	groups    Groups
	store     Store
	providers *Registry
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewGroupResolver creates a GroupResolver.
func NewGroupResolver(groups Groups, st Store, providers *Registry, metrics *Metrics, logger zerolog.Logger, opts ...Option) *GroupResolver {
	o := buildOptions(opts)
	return &GroupResolver{
		groups:    groups,
		store:     st,
		providers: providers,
		metrics:   metrics,
		logger:    logger.With().Str("component", "groups").Logger(),
		now:       o.now,
	}
}

// Resolve returns the group named by the plan's metadata. Plans without a
// group name, or naming a group that does not exist, resolve to nil.
func (r *GroupResolver) Resolve(ctx context.Context, plan *provider.Plan) (*models.Group, error) {
	name := plan.GroupName()
	if name == "" {
		return nil, nil
	}

	group, err := r.groups.FindGroupByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Warn().Str("group", name).Str("plan_id", plan.ID).Msg("plan names a group that does not exist")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrGroupNotResolved, name, err)
	}
	return group, nil
}

// Grant adds the user to the group. Adding an existing member is a no-op.
func (r *GroupResolver) Grant(ctx context.Context, userID int64, group *models.Group) (bool, error) {
	added, err := r.groups.AddMember(ctx, group.ID, userID)
	if err != nil {
		return false, err
	}
	if added {
		r.metrics.GroupMutation("add")
		r.logger.Info().Int64("user_id", userID).Str("group", group.Name).Msg("added user to group")
	} else {
		r.metrics.GroupMutation("already_member")
	}
	return added, nil
}

// RemoveUnconditionally removes the user from the group without checking
// other subscriptions.
func (r *GroupResolver) RemoveUnconditionally(ctx context.Context, userID int64, group *models.Group) (bool, error) {
	removed, err := r.groups.RemoveMember(ctx, group.ID, userID)
	if err != nil {
		return false, err
	}
	if removed {
		r.metrics.GroupMutation("remove")
		r.logger.Info().Int64("user_id", userID).Str("group", group.Name).Msg("removed user from group")
	}
	return removed, nil
}

// SafeRemove removes the user from the group unless another of their active
// subscriptions, other than excludeID, also maps to it. A candidate whose plan
// cannot be fetched does not count as retaining access.
func (r *GroupResolver) SafeRemove(ctx context.Context, userID int64, group *models.Group, excludeID int64) (bool, error) {
	retained, err := r.retainedElsewhere(ctx, userID, group, excludeID)
	if err != nil {
		return false, err
	}
	if retained {
		r.metrics.GroupMutation("retain")
		r.logger.Info().
			Int64("user_id", userID).
			Str("group", group.Name).
			Int64("subscription_id", excludeID).
			Msg("user keeps group through another active subscription; skipping removal")
		return false, nil
	}
	return r.RemoveUnconditionally(ctx, userID, group)
}

func (r *GroupResolver) retainedElsewhere(ctx context.Context, userID int64, group *models.Group, excludeID int64) (bool, error) {
	others, err := r.store.ListActiveSubscriptionsForUser(ctx, userID, excludeID, r.now())
	if err != nil {
		return false, fmt.Errorf("list other subscriptions for user %d: %w", userID, err)
	}

	for _, sub := range others {
		if sub.PlanID == "" {
			continue
		}
		plan, err := r.providers.RetrievePlan(ctx, sub.Provider, sub.PlanID)
		if err != nil {
			r.metrics.ProviderError("retrieve_plan")
			r.logger.Warn().Err(err).
				Str("external_id", sub.ExternalID).
				Str("plan_id", sub.PlanID).
				Msg("plan lookup failed; subscription does not retain access")
			continue
		}
		other, err := r.Resolve(ctx, plan)
		if err != nil {
			r.logger.Warn().Err(err).Str("external_id", sub.ExternalID).Msg("group lookup failed; subscription does not retain access")
			continue
		}
		if other != nil && other.ID == group.ID {
			return true, nil
		}
	}
	return false, nil
}
