// Package mongostore implements the billing stores on MongoDB. Quota guards
// live in the filter of a single FindOneAndUpdate so the server applies the
// check and the write atomically per document.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"sponsorscout/internal/types"
)

// Collection names.
const (
	colSubscriptions = "subscriptions"
	colLedger        = "ledger_entries"
	colUsers         = "users"
	colAPIKeys       = "api_keys"
	colWebhookEvents = "webhook_events"
)

// Store owns the client and hands out the per-collection stores.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials uri and verifies the connection.
func Connect(ctx context.Context, uri, database string, timeout time.Duration) (*Store, error) {
	opts := options.Client().ApplyURI(uri)
	if timeout > 0 {
		opts.SetTimeout(timeout)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	return &Store{client: client, db: client.Database(database)}, nil
}

func (s *Store) Subscriptions() *SubscriptionStore {
	return &SubscriptionStore{col: s.db.Collection(colSubscriptions), now: nowUTC}
}

func (s *Store) Ledger() *LedgerStore {
	return &LedgerStore{col: s.db.Collection(colLedger)}
}

func (s *Store) Users() *UserStore {
	return &UserStore{col: s.db.Collection(colUsers)}
}

func (s *Store) APIKeys() *APIKeyStore {
	return &APIKeyStore{col: s.db.Collection(colAPIKeys), now: nowUTC}
}

func (s *Store) WebhookEvents() *WebhookEventStore {
	return &WebhookEventStore{col: s.db.Collection(colWebhookEvents), now: nowUTC}
}

// Migrate creates the indexes the queries rely on.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongostore: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colSubscriptions: {
			{
				Keys:    bson.D{{Key: "processor_subscription_ref", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"processor_subscription_ref": bson.M{"$type": "string"}}),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colLedger: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "billing_period_key", Value: 1}}},
			{Keys: bson.D{{Key: "billing_period_key", Value: 1}, {Key: "consumed_at", Value: 1}}},
		},
		colUsers: {
			{
				Keys:    bson.D{{Key: "processor_customer_ref", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"processor_customer_ref": bson.M{"$type": "string"}}),
			},
		},
		colAPIKeys: {
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		},
	}
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

func nowUTC() time.Time { return time.Now().UTC() }

func dbErr(msg string, err error) error {
	return types.NewAppError(types.ErrCodeInternalDB, msg, err)
}
