package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// WebhookEventStore records applied processor event ids keyed by _id.
type WebhookEventStore struct {
	col *mongo.Collection
	now func() time.Time
}

type webhookEventDoc struct {
	ID          string    `bson:"_id"`
	EventType   string    `bson:"event_type"`
	ProcessedAt time.Time `bson:"processed_at"`
}

func (w *WebhookEventStore) Processed(ctx context.Context, eventID string) (bool, error) {
	n, err := w.col.CountDocuments(ctx, bson.M{"_id": eventID}, options.Count().SetLimit(1))
	if err != nil {
		return false, dbErr("failed to check webhook event", err)
	}
	return n > 0, nil
}

func (w *WebhookEventStore) MarkProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := w.col.InsertOne(ctx, webhookEventDoc{ID: eventID, EventType: eventType, ProcessedAt: w.now()})
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return dbErr("failed to record webhook event", err)
	}
	return nil
}
