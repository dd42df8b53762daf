package billing

import (
	"context"
	"fmt"
	"log/slog"

	"sponsorscout/internal/types"
)

// ReasonNoEntitlement is reported when a user has no entitling record.
const ReasonNoEntitlement = "no active entitlement"

// EntitlementResult is the evaluator's advisory answer. The authoritative
// check happens again inside RecordUsage.
type EntitlementResult struct {
	Allowed        bool                      `json:"allowed"`
	RemainingUnits int                       `json:"remaining_units"`
	Reason         string                    `json:"reason,omitempty"`
	Record         *types.SubscriptionRecord `json:"subscription,omitempty"`
}

// Evaluator decides whether a user may start another unit of work.
type Evaluator struct {
	subs    SubscriptionStore
	catalog PlanCatalog
	logger  *slog.Logger
}

func NewEvaluator(subs SubscriptionStore, catalog PlanCatalog, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = DefaultPlanCatalog()
	}
	return &Evaluator{subs: subs, catalog: catalog, logger: logger}
}

// Evaluate reads the user's active record and reports remaining units. It
// takes no locks and has no side effects.
func (e *Evaluator) Evaluate(ctx context.Context, userID string) (EntitlementResult, error) {
	rec, err := e.subs.ActiveForUser(ctx, userID)
	if err != nil {
		return EntitlementResult{}, storeErr("evaluate entitlement", err)
	}
	return evaluateRecord(rec, e.catalog), nil
}

func evaluateRecord(rec *types.SubscriptionRecord, catalog PlanCatalog) EntitlementResult {
	if rec == nil {
		return EntitlementResult{Reason: ReasonNoEntitlement}
	}

	if !isRecurring(rec, catalog) {
		if rec.Status == types.SubStatusOneTimeAvailable {
			return EntitlementResult{Allowed: true, RemainingUnits: 1, Record: rec}
		}
		return EntitlementResult{Reason: "one-shot credit already used", Record: rec}
	}

	remaining := rec.Remaining()
	if remaining > 0 {
		return EntitlementResult{Allowed: true, RemainingUnits: remaining, Record: rec}
	}
	return EntitlementResult{Reason: quotaReason(rec), Record: rec}
}

func quotaReason(rec *types.SubscriptionRecord) string {
	if rec.CurrentPeriodEnd != nil {
		return fmt.Sprintf("quota of %d searches for this billing period is used up; it resets on %s",
			rec.UnitsPerPeriod, rec.CurrentPeriodEnd.UTC().Format("2006-01-02"))
	}
	return fmt.Sprintf("quota of %d searches for this billing period is used up; it resets next period",
		rec.UnitsPerPeriod)
}

// isRecurring treats records of unknown plans as recurring so that their
// stored quota still bounds consumption.
func isRecurring(rec *types.SubscriptionRecord, catalog PlanCatalog) bool {
	if rec.Status == types.SubStatusOneTimeAvailable || rec.Status == types.SubStatusOneTimeUsed {
		return false
	}
	if p, ok := catalog.Get(rec.PlanID); ok {
		return p.IsRecurring
	}
	return true
}

// Err returns nil when work is allowed, otherwise the error RecordUsage would
// most likely return for the same record.
func (r EntitlementResult) Err() error {
	switch {
	case r.Allowed:
		return nil
	case r.Record == nil:
		return ErrNoActiveEntitlement
	case r.Record.Status == types.SubStatusOneTimeUsed || r.Record.Status == types.SubStatusOneTimeAvailable:
		return ErrAlreadyConsumed
	}
	qe := &QuotaError{Limit: r.Record.UnitsPerPeriod}
	if r.Record.CurrentPeriodEnd != nil {
		qe.ResetsAt = r.Record.CurrentPeriodEnd.UTC().Format("2006-01-02")
	}
	return qe
}
