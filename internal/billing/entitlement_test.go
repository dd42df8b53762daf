package billing_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/db/memstore"
	"sponsorscout/internal/types"
)

func TestEvaluate_NoRecord(t *testing.T) {
	h := newHarness()

	res, err := h.evaluator.Evaluate(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.RemainingUnits)
	assert.Equal(t, "no active entitlement", res.Reason)
	assert.Nil(t, res.Record)
}

func TestEvaluate_RecurringRemaining(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.reconciler.Reconcile(ctx, subscriptionEvent(billing.EventSubscriptionCreated, types.PlanBasic, periodOneStart, periodOneEnd)))

	res, err := h.evaluator.Evaluate(ctx, "usr_1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 3, res.RemainingUnits)
	require.NotNil(t, res.Record)
	assert.Equal(t, types.PlanBasic, res.Record.PlanID)
}

func TestEvaluate_RecurringExhaustedReason(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.reconciler.Reconcile(ctx, subscriptionEvent(billing.EventSubscriptionCreated, types.PlanBasic, periodOneStart, periodOneEnd)))
	for i := 0; i < 3; i++ {
		_, err := h.recorder.RecordUsage(ctx, "usr_1", "search")
		require.NoError(t, err)
	}

	res, err := h.evaluator.Evaluate(ctx, "usr_1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.RemainingUnits)
	assert.Contains(t, res.Reason, "quota of 3")
	assert.Contains(t, res.Reason, "resets on 2026-10-01")
}

func TestEvaluate_PrefersMostRecentEntitlingRecord(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.reconciler.Reconcile(ctx, subscriptionEvent(billing.EventSubscriptionCreated, types.PlanBasic, periodOneStart, periodOneEnd)))
	require.NoError(t, h.reconciler.Reconcile(ctx, oneShotCheckout("cs_later")))

	res, err := h.evaluator.Evaluate(ctx, "usr_1")
	require.NoError(t, err)
	require.NotNil(t, res.Record)
	assert.Equal(t, types.PlanOneShot, res.Record.PlanID)
	assert.Equal(t, 1, res.RemainingUnits)
}

func TestEvaluate_CanceledIsNotEntitling(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.reconciler.Reconcile(ctx, subscriptionEvent(billing.EventSubscriptionCreated, types.PlanPro, periodOneStart, periodOneEnd)))
	require.NoError(t, h.reconciler.Reconcile(ctx, billing.ProcessorEvent{
		ID: "evt_del", Type: billing.EventSubscriptionDeleted, SubscriptionRef: "sub_stripe_1",
	}))

	res, err := h.evaluator.Evaluate(ctx, "usr_1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, billing.ReasonNoEntitlement, res.Reason)
}

func TestEvaluate_StoreFailureIsTransient(t *testing.T) {
	store := &flakyStore{Store: memstore.New(), failActive: true}
	ev := billing.NewEvaluator(store, nil, slog.Default())

	_, err := ev.Evaluate(context.Background(), "usr_1")
	assert.ErrorIs(t, err, billing.ErrTransientStore)
	assert.ErrorIs(t, err, errStoreDown)
}

func TestEntitlementResult_Err(t *testing.T) {
	end := periodOneEnd
	tests := []struct {
		name   string
		res    billing.EntitlementResult
		target error
	}{
		{"allowed", billing.EntitlementResult{Allowed: true}, nil},
		{"no record", billing.EntitlementResult{}, billing.ErrNoActiveEntitlement},
		{"one-shot used", billing.EntitlementResult{Record: &types.SubscriptionRecord{Status: types.SubStatusOneTimeUsed}}, billing.ErrAlreadyConsumed},
		{"quota", billing.EntitlementResult{Record: &types.SubscriptionRecord{Status: types.SubStatusActive, UnitsPerPeriod: 3, CurrentPeriodEnd: &end}}, billing.ErrQuotaExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.res.Err()
			if tt.target == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.target)
		})
	}

	var qe *billing.QuotaError
	err := billing.EntitlementResult{Record: &types.SubscriptionRecord{Status: types.SubStatusActive, UnitsPerPeriod: 3, CurrentPeriodEnd: &end}}.Err()
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 3, qe.Limit)
	assert.Equal(t, "2026-10-01", qe.ResetsAt)
}
