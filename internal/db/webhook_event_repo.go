package db

import (
	"context"

	"sponsorscout/internal/types"
)

// WebhookEventRepo records processor event ids that were applied, so a
// redelivery can be acknowledged without running the reconciler again.
type WebhookEventRepo struct {
	db DBTX
}

func NewWebhookEventRepo(db DBTX) *WebhookEventRepo {
	return &WebhookEventRepo{db: db}
}

func (r *WebhookEventRepo) Processed(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`, eventID,
	).Scan(&seen)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check webhook event", err)
	}
	return seen, nil
}

func (r *WebhookEventRepo) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type, processed_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}
	return nil
}
