package billing_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/db/memstore"
	"sponsorscout/internal/types"
)

var errStoreDown = errors.New("connection refused")

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type harness struct {
	store      *memstore.Store
	ledger     *memstore.Ledger
	catalog    billing.PlanCatalog
	evaluator  *billing.Evaluator
	recorder   *billing.Recorder
	reconciler *billing.Reconciler
	logs       *bytes.Buffer
}

func newHarness(opts ...billing.RecorderOption) *harness {
	h := &harness{
		store:   memstore.New(),
		ledger:  memstore.NewLedger(),
		catalog: billing.DefaultPlanCatalog(),
		logs:    &bytes.Buffer{},
	}
	logger := slog.New(slog.NewTextHandler(h.logs, nil))
	h.evaluator = billing.NewEvaluator(h.store, h.catalog, logger)
	h.recorder = billing.NewRecorder(h.store, h.ledger, h.catalog, logger, opts...)
	h.reconciler = billing.NewReconciler(h.store, h.store, h.catalog, logger)
	h.store.PutUser(types.User{ID: "usr_1", Email: "club@example.com"})
	return h
}

func ptr(t time.Time) *time.Time { return &t }

var (
	periodOneStart = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	periodOneEnd   = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	periodTwoEnd   = time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
)

func subscriptionEvent(eventType string, plan types.PlanID, start, end time.Time) billing.ProcessorEvent {
	return billing.ProcessorEvent{
		ID:              "evt_sub",
		Type:            eventType,
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_stripe_1",
		UserID:          "usr_1",
		PlanID:          plan,
		Status:          "active",
		PeriodStart:     ptr(start),
		PeriodEnd:       ptr(end),
	}
}

func invoicePaid(start, end time.Time) billing.ProcessorEvent {
	return billing.ProcessorEvent{
		ID:              "evt_inv",
		Type:            billing.EventInvoicePaymentSucceeded,
		CustomerRef:     "cus_1",
		SubscriptionRef: "sub_stripe_1",
		PeriodStart:     ptr(start),
		PeriodEnd:       ptr(end),
	}
}

func oneShotCheckout(sessionID string) billing.ProcessorEvent {
	return billing.ProcessorEvent{
		ID:              "evt_cs",
		Type:            billing.EventCheckoutCompleted,
		CustomerRef:     "cus_1",
		SubscriptionRef: sessionID,
		UserID:          "usr_1",
		PlanID:          types.PlanOneShot,
		CheckoutMode:    billing.CheckoutModePayment,
	}
}

// failingLedger rejects every append.
type failingLedger struct {
	*memstore.Ledger
}

func (failingLedger) Append(context.Context, types.LedgerEntry) error {
	return errStoreDown
}

type recordingOutbox struct {
	mu      sync.Mutex
	entries []types.LedgerEntry
	err     error
}

func (o *recordingOutbox) Enqueue(_ context.Context, e types.LedgerEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, e)
	return o.err
}

// flakyStore fails the named operations.
type flakyStore struct {
	*memstore.Store
	failActive bool
	failUpsert bool
	failGet    bool
}

func (f *flakyStore) ActiveForUser(ctx context.Context, userID string) (*types.SubscriptionRecord, error) {
	if f.failActive {
		return nil, errStoreDown
	}
	return f.Store.ActiveForUser(ctx, userID)
}

func (f *flakyStore) GetByProcessorRef(ctx context.Context, ref string) (*types.SubscriptionRecord, error) {
	if f.failGet {
		return nil, errStoreDown
	}
	return f.Store.GetByProcessorRef(ctx, ref)
}

func (f *flakyStore) UpsertByProcessorRef(ctx context.Context, u billing.SubscriptionUpsert) (*types.SubscriptionRecord, error) {
	if f.failUpsert {
		return nil, errStoreDown
	}
	return f.Store.UpsertByProcessorRef(ctx, u)
}

type countingMetrics struct {
	mu       sync.Mutex
	recorded int
	rejected map[string]int
}

func (m *countingMetrics) UsageRecorded(types.PlanID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded++
}

func (m *countingMetrics) UsageRejected(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejected == nil {
		m.rejected = map[string]int{}
	}
	m.rejected[reason]++
}

func (m *countingMetrics) WebhookProcessed(string, string) {}
