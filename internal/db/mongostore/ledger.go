package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/types"
)

// LedgerStore implements billing.LedgerStore. Documents are insert-only.
type LedgerStore struct {
	col *mongo.Collection
}

var _ billing.LedgerStore = (*LedgerStore)(nil)

var oldestFirst = bson.D{{Key: "consumed_at", Value: 1}, {Key: "_id", Value: 1}}

func (l *LedgerStore) Append(ctx context.Context, e types.LedgerEntry) error {
	if _, err := l.col.InsertOne(ctx, e); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return dbErr("failed to append ledger entry", err)
	}
	return nil
}

func (l *LedgerStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := l.col.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, dbErr("failed to check ledger entry", err)
	}
	return n > 0, nil
}

func (l *LedgerStore) ListForUser(ctx context.Context, userID, periodKey string) ([]types.LedgerEntry, error) {
	filter := bson.M{"user_id": userID}
	if periodKey != "" {
		filter["billing_period_key"] = periodKey
	}
	return l.find(ctx, filter)
}

func (l *LedgerStore) ListByPeriod(ctx context.Context, periodKey string) ([]types.LedgerEntry, error) {
	return l.find(ctx, bson.M{"billing_period_key": periodKey})
}

func (l *LedgerStore) find(ctx context.Context, filter bson.M) ([]types.LedgerEntry, error) {
	cur, err := l.col.Find(ctx, filter, options.Find().SetSort(oldestFirst))
	if err != nil {
		return nil, dbErr("failed to query ledger", err)
	}
	var out []types.LedgerEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, dbErr("failed to decode ledger entries", err)
	}
	return out, nil
}
