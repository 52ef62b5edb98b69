package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/provider"
)

func (h *harness) expiredGrant(userID int64, externalID, planID string) {
	past := h.now.Add(-time.Minute)
	days := 30
	h.store.seed(userID, models.Subscription{
		ExternalID: externalID,
		PlanID:     planID,
		Provider:   models.ProviderManual,
		Duration:   &days,
		ExpiresAt:  &past,
	})
}

func TestSweepExpiresAndRemovesGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.expiredGrant(h.alice.ID, "manual_old", "price_gold_30")
	future := h.now.Add(time.Hour)
	h.store.seed(h.bob.ID, models.Subscription{ExternalID: "manual_live", PlanID: "price_gold_30", Provider: models.ProviderManual, ExpiresAt: &future})
	_, _ = h.groups.Grant(ctx, h.alice.ID, &models.Group{ID: 10, Name: "gold"})
	_, _ = h.groups.Grant(ctx, h.bob.ID, &models.Group{ID: 10, Name: "gold"})

	result, err := h.sweeper(SweeperConfig{}).Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, SweepResult{Examined: 1, Expired: 1, GroupsRemoved: 1}, result)
	assert.Equal(t, models.StatusExpired, h.store.subscription("manual_old").Status)
	assert.Equal(t, models.StatusActive, h.store.subscription("manual_live").Status)
	assert.False(t, h.store.isMember("gold", h.alice.ID))
	assert.True(t, h.store.isMember("gold", h.bob.ID))
}

func TestSweepNeverRevisitsExpired(t *testing.T) {
	h := newHarness(t)
	h.expiredGrant(h.alice.ID, "manual_old", "price_gold_30")
	sweeper := h.sweeper(SweeperConfig{})

	_, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Examined)
	assert.Equal(t, models.StatusExpired, h.store.subscription("manual_old").Status)
}

func TestSweepPlanLookupFailureStillExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.expiredGrant(h.alice.ID, "manual_a", "price_gold_30")
	h.expiredGrant(h.bob.ID, "manual_b", "price_silver_monthly")
	_, _ = h.groups.Grant(ctx, h.alice.ID, &models.Group{ID: 10, Name: "gold"})
	_, _ = h.groups.Grant(ctx, h.bob.ID, &models.Group{ID: 11, Name: "silver"})
	h.stripe.planErr["price_gold_30"] = provider.ErrUnavailable

	result, err := h.sweeper(SweeperConfig{}).Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Expired)
	assert.Equal(t, 1, result.RemovalsSkipped)
	assert.Equal(t, 1, result.GroupsRemoved)
	assert.Equal(t, models.StatusExpired, h.store.subscription("manual_a").Status)
	assert.True(t, h.store.isMember("gold", h.alice.ID), "removal skipped without the plan")
	assert.False(t, h.store.isMember("silver", h.bob.ID), "next subscription in the batch still handled")
}

func TestSweepMissingOwnerStillExpires(t *testing.T) {
	h := newHarness(t)
	h.expiredGrant(99, "manual_orphan", "price_gold_30")

	result, err := h.sweeper(SweeperConfig{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 1, result.RemovalsSkipped)
	assert.Equal(t, models.StatusExpired, h.store.subscription("manual_orphan").Status)
}

func TestSweepStatusFailureDoesNotStopBatch(t *testing.T) {
	h := newHarness(t)
	h.expiredGrant(h.alice.ID, "manual_stuck", "price_plain")
	h.expiredGrant(h.bob.ID, "manual_next", "price_plain")
	h.store.failStatus["manual_stuck"] = errors.New("deadlock detected")

	result, err := h.sweeper(SweeperConfig{}).Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manual_stuck")
	assert.Equal(t, 2, result.Examined)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, models.StatusActive, h.store.subscription("manual_stuck").Status)
	assert.Equal(t, models.StatusExpired, h.store.subscription("manual_next").Status)
}

// Expiry removes the group unconditionally by default, unlike webhook
// deletion. SafeRemoval makes the two agree.
func TestSweepRemovalModes(t *testing.T) {
	cases := []struct {
		name       string
		cfg        SweeperConfig
		wantMember bool
	}{
		{name: "unconditional", cfg: SweeperConfig{}, wantMember: false},
		{name: "safe", cfg: SweeperConfig{SafeRemoval: true, PlanLookupsPerSecond: 1000}, wantMember: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.expiredGrant(h.alice.ID, "manual_old", "price_gold_30")
			h.store.seed(h.alice.ID, models.Subscription{ExternalID: "sub_gold", PlanID: "price_gold_monthly"})
			_, _ = h.groups.Grant(ctx, h.alice.ID, &models.Group{ID: 10, Name: "gold"})

			result, err := h.sweeper(tc.cfg).Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, result.Expired)
			assert.Equal(t, tc.wantMember, h.store.isMember("gold", h.alice.ID))
		})
	}
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	h := newHarness(t)
	h.expiredGrant(h.alice.ID, "manual_old", "price_plain")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.sweeper(SweeperConfig{}).Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, result.Examined)
	assert.Equal(t, models.StatusActive, h.store.subscription("manual_old").Status)
}
