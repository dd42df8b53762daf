package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"sponsorscout/internal/types"
)

// APIKeyStore implements auth.KeyStore.
type APIKeyStore struct {
	col *mongo.Collection
	now func() time.Time
}

func (a *APIKeyStore) Create(ctx context.Context, k *types.APIKey) error {
	if _, err := a.col.InsertOne(ctx, k); err != nil {
		return dbErr("failed to create API key", err)
	}
	return nil
}

func (a *APIKeyStore) GetByID(ctx context.Context, id string) (*types.APIKey, error) {
	var k types.APIKey
	if err := a.col.FindOne(ctx, bson.M{"_id": id}).Decode(&k); err != nil {
		if isNoDocuments(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAPIKey, "API key not found", nil)
		}
		return nil, dbErr("failed to retrieve API key", err)
	}
	return &k, nil
}

func (a *APIKeyStore) Revoke(ctx context.Context, id string) error {
	res, err := a.col.UpdateOne(ctx,
		bson.M{"_id": id, "revoked_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"revoked_at": a.now()}})
	if err != nil {
		return dbErr("failed to revoke API key", err)
	}
	if res.MatchedCount == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAPIKey, "API key not found or already revoked", nil)
	}
	return nil
}

func (a *APIKeyStore) TouchLastUsed(ctx context.Context, id string) error {
	if _, err := a.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"last_used_at": a.now()}}); err != nil {
		return dbErr("failed to update API key usage", err)
	}
	return nil
}
