package worker

import (
	"context"
	"time"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/billing"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
)

// Job types.
const (
	JobExpireSubscriptions = "expire_subscriptions"
	JobReconcileGroups     = "reconcile_groups"
	JobCleanupRuns         = "cleanup_job_runs"
)

// Sweeper ages out expired fixed-term subscriptions.
type Sweeper interface {
	Sweep(ctx context.Context) (billing.SweepResult, error)
}

// GroupReconciler restores group membership from subscription state.
type GroupReconciler interface {
	ReconcileGroups(ctx context.Context) (billing.ReconcileResult, error)
}

// RunCleaner deletes old finished runs.
type RunCleaner interface {
	CleanupOldRuns(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SweepJob runs the expiry sweeper every interval.
func SweepJob(s Sweeper, interval time.Duration) Job {
	return Job{
		Type:     JobExpireSubscriptions,
		Interval: interval,
		Handler: func(ctx context.Context) (models.JSONB, error) {
			result, err := s.Sweep(ctx)
			return models.JSONB{
				"examined":         result.Examined,
				"expired":          result.Expired,
				"groups_removed":   result.GroupsRemoved,
				"removals_skipped": result.RemovalsSkipped,
				"failed":           result.Failed,
			}, err
		},
	}
}

// ReconcileJob runs the group reconciliation pass every interval. A zero
// interval leaves it available to RunNow only.
func ReconcileJob(r GroupReconciler, interval time.Duration) Job {
	return Job{
		Type:     JobReconcileGroups,
		Interval: interval,
		Handler: func(ctx context.Context) (models.JSONB, error) {
			result, err := r.ReconcileGroups(ctx)
			return models.JSONB{
				"examined":       result.Examined,
				"added":          result.Added,
				"already_member": result.AlreadyMember,
				"no_group":       result.NoGroup,
				"failed":         result.Failed,
			}, err
		},
	}
}

// CleanupJob deletes finished runs older than retention, once a day.
func CleanupJob(c RunCleaner, retention time.Duration) Job {
	return Job{
		Type:     JobCleanupRuns,
		Interval: 24 * time.Hour,
		Handler: func(ctx context.Context) (models.JSONB, error) {
			deleted, err := c.CleanupOldRuns(ctx, retention)
			return models.JSONB{"deleted": deleted}, err
		},
	}
}
