package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/store"
)

// SweeperConfig tunes the expiry sweeper.
type SweeperConfig struct {
	// SafeRemoval makes the sweeper keep a group the user still holds through
	// another active subscription. When false, expiry removes the group
	// unconditionally.
	SafeRemoval bool
	// PlanLookupsPerSecond throttles provider calls. Zero disables throttling.
	PlanLookupsPerSecond float64
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Examined        int `json:"examined"`
	Expired         int `json:"expired"`
	GroupsRemoved   int `json:"groups_removed"`
	RemovalsSkipped int `json:"removals_skipped"`
	Failed          int `json:"failed"`
}

// Sweeper ages out fixed-term subscriptions whose expiry has passed.
type Sweeper struct {
	store     Store
	users     Users
	groups    *GroupResolver
	providers *Registry
	limiter   *rate.Limiter
	cfg       SweeperConfig
	metrics   *Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(st Store, users Users, groups *GroupResolver, providers *Registry, cfg SweeperConfig, metrics *Metrics, logger zerolog.Logger, opts ...Option) *Sweeper {
	o := buildOptions(opts)
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.PlanLookupsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PlanLookupsPerSecond), 1)
	}
	return &Sweeper{
		store:     st,
		users:     users,
		groups:    groups,
		providers: providers,
		limiter:   limiter,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With().Str("component", "sweeper").Logger(),
		now:       o.now,
	}
}

// Sweep expires every active subscription whose expiry has passed. Each
// subscription is handled on its own: a failure is collected into the
// returned error and the batch continues. Status is set to expired even when
// the owner or the plan cannot be found; only group removal is skipped.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	subs, err := s.store.ListExpiredActiveSubscriptions(ctx, s.now())
	if err != nil {
		return result, fmt.Errorf("sweeper: list expired subscriptions: %w", err)
	}

	var errs *multierror.Error
	for i := range subs {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		sub := &subs[i]
		result.Examined++

		switch s.removeGroup(ctx, sub) {
		case removalDone:
			result.GroupsRemoved++
		case removalSkipped:
			result.RemovalsSkipped++
		}

		if err := s.store.UpdateSubscriptionStatus(ctx, sub.ID, models.StatusExpired); err != nil {
			result.Failed++
			errs = multierror.Append(errs, fmt.Errorf("expire %s: %w", sub.ExternalID, err))
			s.logger.Error().Err(err).Str("external_id", sub.ExternalID).Msg("failed to mark subscription expired")
			continue
		}
		result.Expired++
		s.logger.Info().Str("external_id", sub.ExternalID).Msg("subscription expired")
	}

	s.metrics.SweepResult("expired", result.Expired)
	s.metrics.SweepResult("failed", result.Failed)
	s.metrics.SweepResult("group_removed", result.GroupsRemoved)
	s.metrics.SweepResult("removal_skipped", result.RemovalsSkipped)

	s.logger.Info().
		Int("examined", result.Examined).
		Int("expired", result.Expired).
		Int("groups_removed", result.GroupsRemoved).
		Int("removals_skipped", result.RemovalsSkipped).
		Int("failed", result.Failed).
		Msg("expiry sweep finished")

	return result, errs.ErrorOrNil()
}

type removal int

const (
	removalNone removal = iota
	removalDone
	removalSkipped
)

func (s *Sweeper) removeGroup(ctx context.Context, sub *models.Subscription) removal {
	log := s.logger.With().Str("external_id", sub.ExternalID).Logger()

	user, err := s.users.GetUserByCustomerID(ctx, sub.CustomerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Msg("owner not found; expiring without group removal")
		} else {
			log.Error().Err(err).Msg("owner lookup failed; expiring without group removal")
		}
		return removalSkipped
	}

	if err := s.limiter.Wait(ctx); err != nil {
		log.Warn().Err(err).Msg("plan lookup throttle interrupted; group removal skipped")
		return removalSkipped
	}
	plan, err := s.providers.RetrievePlan(ctx, sub.Provider, sub.PlanID)
	if err != nil {
		s.metrics.ProviderError("retrieve_plan")
		log.Error().Err(err).Str("plan_id", sub.PlanID).Msg("plan lookup failed; group removal skipped")
		return removalSkipped
	}

	group, err := s.groups.Resolve(ctx, plan)
	if err != nil {
		log.Error().Err(err).Msg("group lookup failed; group removal skipped")
		return removalSkipped
	}
	if group == nil {
		return removalNone
	}

	var removed bool
	if s.cfg.SafeRemoval {
		removed, err = s.groups.SafeRemove(ctx, user.ID, group, sub.ID)
	} else {
		removed, err = s.groups.RemoveUnconditionally(ctx, user.ID, group)
	}
	if err != nil {
		log.Error().Err(err).Int64("user_id", user.ID).Str("group", group.Name).Msg("group removal failed")
		return removalSkipped
	}
	if !removed {
		return removalNone
	}
	return removalDone
}
