package billing

import (
	"context"
	"log/slog"
	"strings"

	"sponsorscout/internal/types"
)

// UsageResult is returned by a successful RecordUsage.
type UsageResult struct {
	Record *types.SubscriptionRecord `json:"subscription"`
	Entry  types.LedgerEntry         `json:"ledger_entry"`
}

// Recorder commits consumption after a unit of work completed.
type Recorder struct {
	subs    SubscriptionStore
	ledger  LedgerStore
	outbox  LedgerOutbox
	catalog PlanCatalog
	metrics Metrics
	clock   types.Clock
	logger  *slog.Logger
}

// RecorderOption configures optional Recorder collaborators.
type RecorderOption func(*Recorder)

// WithOutbox sets where entries go when the ledger append fails.
func WithOutbox(o LedgerOutbox) RecorderOption {
	return func(r *Recorder) { r.outbox = o }
}

func WithRecorderMetrics(m Metrics) RecorderOption {
	return func(r *Recorder) {
		if m != nil {
			r.metrics = m
		}
	}
}

func WithRecorderClock(c types.Clock) RecorderOption {
	return func(r *Recorder) {
		if c != nil {
			r.clock = c
		}
	}
}

func NewRecorder(subs SubscriptionStore, ledger LedgerStore, catalog PlanCatalog, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = DefaultPlanCatalog()
	}
	r := &Recorder{
		subs:    subs,
		ledger:  ledger,
		catalog: catalog,
		metrics: noopMetrics{},
		clock:   types.RealClock{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordUsage consumes one unit from the user's active record and appends a
// ledger entry. The record is re-read here; an earlier Evaluate result is
// never trusted.
//
// Errors: ErrNoActiveEntitlement, ErrAlreadyConsumed, ErrQuotaExceeded (as
// *QuotaError) or a wrapped ErrTransientStore.
func (r *Recorder) RecordUsage(ctx context.Context, userID, workDescription string) (*UsageResult, error) {
	rec, err := r.subs.ActiveForUser(ctx, userID)
	if err != nil {
		return nil, storeErr("record usage: load active record", err)
	}
	if rec == nil {
		// A used one-shot is no longer entitling; report it as a double spend.
		if last := r.latestOneShot(ctx, userID); last != nil && last.Status == types.SubStatusOneTimeUsed {
			r.metrics.UsageRejected("already_consumed")
			return nil, ErrAlreadyConsumed
		}
		r.metrics.UsageRejected("no_entitlement")
		return nil, ErrNoActiveEntitlement
	}

	var updated *types.SubscriptionRecord
	if isRecurring(rec, r.catalog) {
		updated, err = r.subs.IncrementIfBelowQuota(ctx, rec.ID)
		if err != nil {
			return nil, storeErr("record usage: increment", err)
		}
		if updated == nil {
			r.metrics.UsageRejected("quota_exceeded")
			qe := &QuotaError{Limit: rec.UnitsPerPeriod}
			if rec.CurrentPeriodEnd != nil {
				qe.ResetsAt = rec.CurrentPeriodEnd.UTC().Format("2006-01-02")
			}
			return nil, qe
		}
	} else {
		updated, err = r.subs.ConsumeOneShot(ctx, rec.ID)
		if err != nil {
			return nil, storeErr("record usage: consume one-shot", err)
		}
		if updated == nil {
			r.metrics.UsageRejected("already_consumed")
			return nil, ErrAlreadyConsumed
		}
	}
	r.metrics.UsageRecorded(updated.PlanID)

	now := r.clock.Now()
	entry := types.LedgerEntry{
		ID:               types.NewID(types.PrefixLedgerEntry),
		UserID:           userID,
		SubscriptionID:   updated.ID,
		WorkDescription:  strings.TrimSpace(workDescription),
		ConsumedAt:       now,
		BillingPeriodKey: PeriodKey(now),
	}
	r.appendLedger(context.WithoutCancel(ctx), entry)

	return &UsageResult{Record: updated, Entry: entry}, nil
}

// appendLedger never fails the caller: consumption is already committed.
func (r *Recorder) appendLedger(ctx context.Context, entry types.LedgerEntry) {
	err := r.ledger.Append(ctx, entry)
	if err == nil {
		return
	}
	r.logger.ErrorContext(ctx, "ledger append failed after consumption was committed",
		"entry_id", entry.ID,
		"user_id", entry.UserID,
		"subscription_id", entry.SubscriptionID,
		"error", err,
	)
	if r.outbox == nil {
		return
	}
	if qerr := r.outbox.Enqueue(ctx, entry); qerr != nil {
		r.logger.ErrorContext(ctx, "ledger entry could not be queued for replay",
			"entry_id", entry.ID,
			"error", qerr,
		)
	}
}

// latestOneShot is best effort; it only refines the error kind.
func (r *Recorder) latestOneShot(ctx context.Context, userID string) *types.SubscriptionRecord {
	recs, err := r.subs.ListForUser(ctx, userID)
	if err != nil || len(recs) == 0 {
		return nil
	}
	latest := recs[0]
	if latest.PlanID != types.PlanOneShot {
		return nil
	}
	return &latest
}
