package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/types"
)

// UserStore implements billing.UserDirectory.
type UserStore struct {
	col *mongo.Collection
}

var _ billing.UserDirectory = (*UserStore)(nil)

// Create inserts a user; an existing id is left untouched.
func (u *UserStore) Create(ctx context.Context, user *types.User) error {
	if _, err := u.col.InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return dbErr("failed to create user", err)
	}
	return nil
}

func (u *UserStore) Get(ctx context.Context, userID string) (*types.User, error) {
	return u.findOne(ctx, bson.M{"_id": userID})
}

func (u *UserStore) FindByCustomerRef(ctx context.Context, customerRef string) (*types.User, error) {
	return u.findOne(ctx, bson.M{"processor_customer_ref": customerRef})
}

func (u *UserStore) SetCustomerRef(ctx context.Context, userID, customerRef string) error {
	res, err := u.col.UpdateOne(ctx, bson.M{"_id": userID},
		bson.M{"$set": bson.M{"processor_customer_ref": customerRef}})
	if err != nil {
		return dbErr("failed to link processor customer", err)
	}
	if res.MatchedCount == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

func (u *UserStore) findOne(ctx context.Context, filter bson.M) (*types.User, error) {
	var user types.User
	if err := u.col.FindOne(ctx, filter).Decode(&user); err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, dbErr("failed to retrieve user", err)
	}
	return &user, nil
}
