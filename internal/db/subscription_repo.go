package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/types"
)

// SubscriptionRepo implements billing.SubscriptionStore on the subscriptions
// table. Quota-guarding mutations are single UPDATE statements whose WHERE
// clause carries the guard, so concurrent callers serialize on the row lock.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

var _ billing.SubscriptionStore = (*SubscriptionRepo)(nil)

func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

const subscriptionColumns = `id, user_id, plan_id, status, units_per_period, units_consumed,
	current_period_start, current_period_end,
	COALESCE(processor_customer_ref, ''), COALESCE(processor_subscription_ref, ''),
	created_at, updated_at`

func entitlingStatuses() []string {
	out := make([]string, len(types.EntitlingStatuses))
	for i, s := range types.EntitlingStatuses {
		out[i] = string(s)
	}
	return out
}

// ActiveForUser returns the newest record whose status grants entitlement.
func (r *SubscriptionRepo) ActiveForUser(ctx context.Context, userID string) (*types.SubscriptionRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = $1 AND status = ANY($2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		userID, entitlingStatuses(),
	)
	return r.optional(row, "failed to load active subscription")
}

func (r *SubscriptionRepo) GetByProcessorRef(ctx context.Context, ref string) (*types.SubscriptionRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE processor_subscription_ref = $1`,
		ref,
	)
	return r.optional(row, "failed to load subscription by processor ref")
}

func (r *SubscriptionRepo) ListForUser(ctx context.Context, userID string) ([]types.SubscriptionRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscriptions", err)
	}
	defer rows.Close()

	var out []types.SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscription rows", err)
	}
	return out, nil
}

// Create inserts rec unless its processor ref already exists, in which case
// the stored record is returned.
func (r *SubscriptionRepo) Create(ctx context.Context, rec *types.SubscriptionRecord) (*types.SubscriptionRecord, bool, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions (
			id, user_id, plan_id, status, units_per_period, units_consumed,
			current_period_start, current_period_end,
			processor_customer_ref, processor_subscription_ref, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (processor_subscription_ref) DO NOTHING
		RETURNING `+subscriptionColumns,
		rec.ID, rec.UserID, string(rec.PlanID), string(rec.Status),
		rec.UnitsPerPeriod, rec.UnitsConsumedThisPeriod,
		rec.CurrentPeriodStart, rec.CurrentPeriodEnd,
		nullable(rec.ProcessorCustomerRef), nullable(rec.ProcessorSubscriptionRef),
		rec.CreatedAt, rec.UpdatedAt,
	)
	stored, err := scanSubscription(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to create subscription", err)
	}

	existing, err := r.GetByProcessorRef(ctx, rec.ProcessorSubscriptionRef)
	if err != nil {
		return nil, false, err
	}
	r.logger.InfoContext(ctx, "subscription already recorded for processor ref",
		"processor_subscription_ref", rec.ProcessorSubscriptionRef)
	return existing, false, nil
}

// UpsertByProcessorRef never touches units_consumed on update.
func (r *SubscriptionRepo) UpsertByProcessorRef(ctx context.Context, u billing.SubscriptionUpsert) (*types.SubscriptionRecord, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO subscriptions (
			id, user_id, plan_id, status, units_per_period, units_consumed,
			current_period_start, current_period_end,
			processor_customer_ref, processor_subscription_ref, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (processor_subscription_ref) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			status = EXCLUDED.status,
			units_per_period = EXCLUDED.units_per_period,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			processor_customer_ref = COALESCE(EXCLUDED.processor_customer_ref, subscriptions.processor_customer_ref),
			updated_at = NOW()
		RETURNING `+subscriptionColumns,
		u.NewID, u.UserID, string(u.PlanID), string(u.Status), u.UnitsPerPeriod,
		u.CurrentPeriodStart, u.CurrentPeriodEnd,
		nullable(u.ProcessorCustomerRef), u.ProcessorSubscriptionRef, u.Now,
	)
	rec, err := scanSubscription(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}
	return rec, nil
}

func (r *SubscriptionRepo) SetStatusByProcessorRef(ctx context.Context, ref string, status types.SubscriptionStatus) (*types.SubscriptionRecord, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE subscriptions
		 SET status = $2, updated_at = NOW()
		 WHERE processor_subscription_ref = $1
		 RETURNING `+subscriptionColumns,
		ref, string(status),
	)
	return r.optional(row, "failed to update subscription status")
}

// ResetPeriodIfChanged only matches when the stored period start differs, so
// a redelivered invoice for the current period leaves consumption alone.
func (r *SubscriptionRepo) ResetPeriodIfChanged(ctx context.Context, ref string, start, end time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET units_consumed = 0,
		     current_period_start = $2,
		     current_period_end = $3,
		     updated_at = NOW()
		 WHERE processor_subscription_ref = $1
		   AND current_period_start IS DISTINCT FROM $2::timestamptz`,
		ref, start, end,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to reset billing period", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *SubscriptionRepo) ConsumeOneShot(ctx context.Context, id string) (*types.SubscriptionRecord, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE subscriptions
		 SET status = $2, units_consumed = 1, updated_at = NOW()
		 WHERE id = $1 AND status = $3
		 RETURNING `+subscriptionColumns,
		id, string(types.SubStatusOneTimeUsed), string(types.SubStatusOneTimeAvailable),
	)
	return r.optional(row, "failed to consume one-shot credit")
}

func (r *SubscriptionRepo) IncrementIfBelowQuota(ctx context.Context, id string) (*types.SubscriptionRecord, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE subscriptions
		 SET units_consumed = units_consumed + 1, updated_at = NOW()
		 WHERE id = $1
		   AND units_consumed < units_per_period
		   AND status = ANY($2)
		 RETURNING `+subscriptionColumns,
		id, entitlingStatuses(),
	)
	return r.optional(row, "failed to increment usage")
}

// optional maps pgx.ErrNoRows to (nil, nil).
func (r *SubscriptionRepo) optional(row pgx.Row, msg string) (*types.SubscriptionRecord, error) {
	rec, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, msg, err)
	}
	return rec, nil
}

func scanSubscription(row pgx.Row) (*types.SubscriptionRecord, error) {
	var (
		rec    types.SubscriptionRecord
		plan   string
		status string
	)
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&plan,
		&status,
		&rec.UnitsPerPeriod,
		&rec.UnitsConsumedThisPeriod,
		&rec.CurrentPeriodStart,
		&rec.CurrentPeriodEnd,
		&rec.ProcessorCustomerRef,
		&rec.ProcessorSubscriptionRef,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.PlanID = types.PlanID(plan)
	rec.Status = types.SubscriptionStatus(status)
	return &rec, nil
}
