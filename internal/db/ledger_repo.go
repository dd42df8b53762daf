package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/types"
)

// LedgerRepo implements billing.LedgerStore on the append-only
// ledger_entries table. Rows are never updated or deleted.
type LedgerRepo struct {
	db DBTX
}

var _ billing.LedgerStore = (*LedgerRepo)(nil)

func NewLedgerRepo(db DBTX) *LedgerRepo {
	return &LedgerRepo{db: db}
}

const ledgerColumns = `id, user_id, subscription_id, work_description, consumed_at, billing_period_key`

// Append ignores an entry whose id is already stored so replays are safe.
func (r *LedgerRepo) Append(ctx context.Context, e types.LedgerEntry) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO ledger_entries (`+ledgerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.UserID, e.SubscriptionID, e.WorkDescription, e.ConsumedAt, e.BillingPeriodKey,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append ledger entry", err)
	}
	return nil
}

func (r *LedgerRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check ledger entry", err)
	}
	return exists, nil
}

// ListForUser returns the user's entries oldest first. An empty periodKey
// matches every period.
func (r *LedgerRepo) ListForUser(ctx context.Context, userID, periodKey string) ([]types.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+ledgerColumns+`
		 FROM ledger_entries
		 WHERE user_id = $1 AND ($2 = '' OR billing_period_key = $2)
		 ORDER BY consumed_at, id`,
		userID, periodKey,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query ledger", err)
	}
	return collectLedger(rows)
}

func (r *LedgerRepo) ListByPeriod(ctx context.Context, periodKey string) ([]types.LedgerEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+ledgerColumns+`
		 FROM ledger_entries
		 WHERE billing_period_key = $1
		 ORDER BY consumed_at, id`,
		periodKey,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query ledger period", err)
	}
	return collectLedger(rows)
}

func collectLedger(rows pgx.Rows) ([]types.LedgerEntry, error) {
	defer rows.Close()
	var out []types.LedgerEntry
	for rows.Next() {
		var e types.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.SubscriptionID, &e.WorkDescription, &e.ConsumedAt, &e.BillingPeriodKey); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger row", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating ledger rows", err)
	}
	return out, nil
}
