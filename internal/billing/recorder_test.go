package billing_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/db/memstore"
	"sponsorscout/internal/types"
)

func TestRecordUsage_NoEntitlement(t *testing.T) {
	h := newHarness()

	_, err := h.recorder.RecordUsage(context.Background(), "usr_1", "search")
	assert.ErrorIs(t, err, billing.ErrNoActiveEntitlement)
	assert.Zero(t, h.ledger.Len())
}

func TestRecordUsage_BasicPlanScenario(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.reconciler.Reconcile(ctx, subscriptionEvent(billing.EventSubscriptionCreated, types.PlanBasic, periodOneStart, periodOneEnd)))

	for want := 1; want <= 3; want++ {
		res, err := h.recorder.RecordUsage(ctx, "usr_1", "sponsor search")
		require.NoError(t, err)
		assert.Equal(t, want, res.Record.UnitsConsumedThisPeriod)
	}

	_, err := h.recorder.RecordUsage(ctx, "usr_1", "sponsor search")
	require.ErrorIs(t, err, billing.ErrQuotaExceeded)
	var qe *billing.QuotaError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 3, qe.Limit)
	assert.Equal(t, "2026-10-01", qe.ResetsAt)

	// New period boundary resets consumption.
	require.NoError(t, h.reconciler.Reconcile(ctx, invoicePaid(periodOneEnd, periodTwoEnd)))
	rec, err := h.store.GetByProcessorRef(ctx, "sub_stripe_1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.UnitsConsumedThisPeriod)

	res, err := h.recorder.RecordUsage(ctx, "usr_1", "sponsor search")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Record.UnitsConsumedThisPeriod)
	assert.Equal(t, 4, h.ledger.Len())
}

func TestRecordUsage_ConcurrentRecurringNeverExceedsQuota(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.reconciler.Reconcile(ctx, subscriptionEvent(billing.EventSubscriptionCreated, types.PlanBasic, periodOneStart, periodOneEnd)))

	const callers = 50
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		quotaErrs int
		otherErrs []error
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.recorder.RecordUsage(ctx, "usr_1", "search")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, billing.ErrQuotaExceeded):
				quotaErrs++
			default:
				otherErrs = append(otherErrs, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Empty(t, otherErrs)
	assert.Equal(t, 3, successes)
	assert.Equal(t, callers-3, quotaErrs)

	rec, err := h.store.GetByProcessorRef(ctx, "sub_stripe_1")
	require.NoError(t, err)
	assert.Equal(t, 3, rec.UnitsConsumedThisPeriod)
	assert.Equal(t, 3, h.ledger.Len())
}

func TestRecordUsage_RenewalRacingIncrementsStaysWithinQuota(t *testing.T) {
	ctx := context.Background()
	for round := 0; round < 20; round++ {
		h := newHarness()
		require.NoError(t, h.reconciler.Reconcile(ctx, subscriptionEvent(billing.EventSubscriptionCreated, types.PlanBasic, periodOneStart, periodOneEnd)))
		for i := 0; i < 2; i++ {
			_, err := h.recorder.RecordUsage(ctx, "usr_1", "search")
			require.NoError(t, err)
		}
		before, err := h.store.GetByProcessorRef(ctx, "sub_stripe_1")
		require.NoError(t, err)

		const callers = 10
		var (
			wg                   sync.WaitGroup
			mu                   sync.Mutex
			oldPeriod, newPeriod int
			storeErrs            []error
		)
		start := make(chan struct{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := h.store.ResetPeriodIfChanged(ctx, "sub_stripe_1", periodOneEnd, periodTwoEnd); err != nil {
				mu.Lock()
				storeErrs = append(storeErrs, err)
				mu.Unlock()
			}
		}()
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				rec, err := h.store.IncrementIfBelowQuota(ctx, before.ID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err != nil:
					storeErrs = append(storeErrs, err)
				case rec == nil:
				case rec.CurrentPeriodStart.Equal(periodOneEnd):
					newPeriod++
				default:
					oldPeriod++
				}
			}()
		}
		close(start)
		wg.Wait()

		require.Empty(t, storeErrs)
		after, err := h.store.GetByProcessorRef(ctx, "sub_stripe_1")
		require.NoError(t, err)
		assert.True(t, after.CurrentPeriodStart.Equal(periodOneEnd), "round %d", round)
		assert.LessOrEqual(t, oldPeriod, 1, "round %d: old period had one unit left", round)
		assert.LessOrEqual(t, after.UnitsConsumedThisPeriod, after.UnitsPerPeriod, "round %d", round)
		// Whatever the interleaving, the result equals the reset followed by
		// the increments that observed the new period.
		assert.Equal(t, newPeriod, after.UnitsConsumedThisPeriod, "round %d", round)
	}
}

func TestRecordUsage_ConcurrentOneShotHasSingleWinner(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.reconciler.Reconcile(ctx, oneShotCheckout("cs_once")))

	const callers = 20
	results := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = h.recorder.RecordUsage(ctx, "usr_1", "search")
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, billing.ErrAlreadyConsumed)
	}
	assert.Equal(t, 1, winners)

	rec, err := h.store.GetByProcessorRef(ctx, "cs_once")
	require.NoError(t, err)
	assert.Equal(t, types.SubStatusOneTimeUsed, rec.Status)
	assert.Equal(t, 1, rec.UnitsConsumedThisPeriod)
}

func TestRecordUsage_OneShotRoundTrip(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	require.NoError(t, h.reconciler.Reconcile(ctx, oneShotCheckout("cs_round")))

	res, err := h.evaluator.Evaluate(ctx, "usr_1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.RemainingUnits)

	usage, err := h.recorder.RecordUsage(ctx, "usr_1", "club profile match")
	require.NoError(t, err)
	assert.Equal(t, types.SubStatusOneTimeUsed, usage.Record.Status)
	assert.Equal(t, "club profile match", usage.Entry.WorkDescription)
	assert.Equal(t, usage.Record.ID, usage.Entry.SubscriptionID)

	res, err = h.evaluator.Evaluate(ctx, "usr_1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.RemainingUnits)

	_, err = h.recorder.RecordUsage(ctx, "usr_1", "again")
	assert.ErrorIs(t, err, billing.ErrAlreadyConsumed)
}

func TestRecordUsage_LedgerEntryFields(t *testing.T) {
	clock := fixedClock{t: time.Date(2026, 10, 19, 12, 30, 0, 0, time.UTC)}
	h := newHarness(billing.WithRecorderClock(clock))
	ctx := context.Background()
	require.NoError(t, h.reconciler.Reconcile(ctx, subscriptionEvent(billing.EventSubscriptionCreated, types.PlanPro, periodOneStart, periodOneEnd)))

	res, err := h.recorder.RecordUsage(ctx, "usr_1", "  regional football sponsors  ")
	require.NoError(t, err)

	assert.True(t, types.HasPrefix(res.Entry.ID, types.PrefixLedgerEntry))
	assert.Equal(t, "usr_1", res.Entry.UserID)
	assert.Equal(t, "regional football sponsors", res.Entry.WorkDescription)
	assert.Equal(t, clock.t, res.Entry.ConsumedAt)
	assert.Equal(t, "2026-10", res.Entry.BillingPeriodKey)

	entries, err := h.ledger.ListForUser(ctx, "usr_1", "2026-10")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.Entry, entries[0])
}

func TestRecordUsage_LedgerFailureKeepsConsumption(t *testing.T) {
	store := memstore.New()
	store.PutUser(types.User{ID: "usr_1"})
	outbox := &recordingOutbox{}
	metrics := &countingMetrics{}
	catalog := billing.DefaultPlanCatalog()
	recorder := billing.NewRecorder(store, failingLedger{memstore.NewLedger()}, catalog, slog.Default(),
		billing.WithOutbox(outbox), billing.WithRecorderMetrics(metrics))
	reconciler := billing.NewReconciler(store, store, catalog, slog.Default())
	ctx := context.Background()
	require.NoError(t, reconciler.Reconcile(ctx, subscriptionEvent(billing.EventSubscriptionCreated, types.PlanBasic, periodOneStart, periodOneEnd)))

	res, err := recorder.RecordUsage(ctx, "usr_1", "search")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Record.UnitsConsumedThisPeriod)

	require.Len(t, outbox.entries, 1)
	assert.Equal(t, res.Entry.ID, outbox.entries[0].ID)
	assert.Equal(t, 1, metrics.recorded)
}

func TestRecordUsage_OutboxFailureIsSwallowed(t *testing.T) {
	store := memstore.New()
	store.PutUser(types.User{ID: "usr_1"})
	outbox := &recordingOutbox{err: errStoreDown}
	recorder := billing.NewRecorder(store, failingLedger{memstore.NewLedger()}, nil, nil, billing.WithOutbox(outbox))
	reconciler := billing.NewReconciler(store, store, nil, nil)
	ctx := context.Background()
	require.NoError(t, reconciler.Reconcile(ctx, oneShotCheckout("cs_x")))

	_, err := recorder.RecordUsage(ctx, "usr_1", "search")
	require.NoError(t, err)
	assert.Len(t, outbox.entries, 1)
}

func TestRecordUsage_StoreFailureIsTransient(t *testing.T) {
	store := &flakyStore{Store: memstore.New(), failActive: true}
	recorder := billing.NewRecorder(store, memstore.NewLedger(), nil, nil)

	_, err := recorder.RecordUsage(context.Background(), "usr_1", "search")
	assert.ErrorIs(t, err, billing.ErrTransientStore)
}

func TestRecordUsage_RejectionMetrics(t *testing.T) {
	metrics := &countingMetrics{}
	h := newHarness(billing.WithRecorderMetrics(metrics))
	ctx := context.Background()

	_, err := h.recorder.RecordUsage(ctx, "usr_1", "search")
	require.Error(t, err)
	assert.Equal(t, 1, metrics.rejected["no_entitlement"])

	require.NoError(t, h.reconciler.Reconcile(ctx, oneShotCheckout("cs_m")))
	_, err = h.recorder.RecordUsage(ctx, "usr_1", "search")
	require.NoError(t, err)
	_, err = h.recorder.RecordUsage(ctx, "usr_1", "search")
	require.ErrorIs(t, err, billing.ErrAlreadyConsumed)

	assert.Equal(t, 1, metrics.recorded)
	assert.Equal(t, 1, metrics.rejected["already_consumed"])
}
