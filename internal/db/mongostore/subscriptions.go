package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/types"
)

// SubscriptionStore implements billing.SubscriptionStore.
type SubscriptionStore struct {
	col *mongo.Collection
	now func() time.Time
}

var _ billing.SubscriptionStore = (*SubscriptionStore)(nil)

var newestFirst = bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}

func entitlingFilter() bson.M {
	return bson.M{"$in": types.EntitlingStatuses}
}

func activeFilter(userID string) bson.M {
	return bson.M{"user_id": userID, "status": entitlingFilter()}
}

// incrementFilter matches only while consumption is below the stored quota.
func incrementFilter(id string) bson.M {
	return bson.M{
		"_id":    id,
		"status": entitlingFilter(),
		"$expr":  bson.M{"$lt": bson.A{"$units_consumed_this_period", "$units_per_period"}},
	}
}

func consumeOneShotFilter(id string) bson.M {
	return bson.M{"_id": id, "status": types.SubStatusOneTimeAvailable}
}

// resetFilter matches only when the stored period start differs from start.
func resetFilter(ref string, start time.Time) bson.M {
	return bson.M{"processor_subscription_ref": ref, "current_period_start": bson.M{"$ne": start}}
}

func upsertUpdate(u billing.SubscriptionUpsert, now time.Time) bson.M {
	set := bson.M{
		"plan_id":              u.PlanID,
		"status":               u.Status,
		"units_per_period":     u.UnitsPerPeriod,
		"current_period_start": u.CurrentPeriodStart,
		"current_period_end":   u.CurrentPeriodEnd,
		"updated_at":           now,
	}
	if u.ProcessorCustomerRef != "" {
		set["processor_customer_ref"] = u.ProcessorCustomerRef
	}
	created := u.Now
	if created.IsZero() {
		created = now
	}
	return bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"_id":                        u.NewID,
			"user_id":                    u.UserID,
			"units_consumed_this_period": 0,
			"created_at":                 created,
		},
	}
}

var returnAfter = options.FindOneAndUpdate().SetReturnDocument(options.After)

func (s *SubscriptionStore) ActiveForUser(ctx context.Context, userID string) (*types.SubscriptionRecord, error) {
	res := s.col.FindOne(ctx, activeFilter(userID), options.FindOne().SetSort(newestFirst))
	return decodeOptional(res, "failed to load active subscription")
}

func (s *SubscriptionStore) GetByProcessorRef(ctx context.Context, ref string) (*types.SubscriptionRecord, error) {
	res := s.col.FindOne(ctx, bson.M{"processor_subscription_ref": ref})
	return decodeOptional(res, "failed to load subscription by processor ref")
}

func (s *SubscriptionStore) ListForUser(ctx context.Context, userID string) ([]types.SubscriptionRecord, error) {
	cur, err := s.col.Find(ctx, bson.M{"user_id": userID}, options.Find().SetSort(newestFirst))
	if err != nil {
		return nil, dbErr("failed to list subscriptions", err)
	}
	var out []types.SubscriptionRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, dbErr("failed to decode subscriptions", err)
	}
	return out, nil
}

func (s *SubscriptionStore) Create(ctx context.Context, rec *types.SubscriptionRecord) (*types.SubscriptionRecord, bool, error) {
	if _, err := s.col.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) && rec.ProcessorSubscriptionRef != "" {
			existing, gerr := s.GetByProcessorRef(ctx, rec.ProcessorSubscriptionRef)
			return existing, false, gerr
		}
		return nil, false, dbErr("failed to create subscription", err)
	}
	cp := *rec
	return &cp, true, nil
}

// UpsertByProcessorRef retries once on a duplicate key, which happens when two
// upserts for a new ref race to insert.
func (s *SubscriptionStore) UpsertByProcessorRef(ctx context.Context, u billing.SubscriptionUpsert) (*types.SubscriptionRecord, error) {
	filter := bson.M{"processor_subscription_ref": u.ProcessorSubscriptionRef}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After).SetUpsert(true)

	var rec types.SubscriptionRecord
	err := s.col.FindOneAndUpdate(ctx, filter, upsertUpdate(u, s.now()), opts).Decode(&rec)
	if mongo.IsDuplicateKeyError(err) {
		err = s.col.FindOneAndUpdate(ctx, filter, upsertUpdate(u, s.now()), opts).Decode(&rec)
	}
	if err != nil {
		return nil, dbErr("failed to upsert subscription", err)
	}
	return &rec, nil
}

func (s *SubscriptionStore) SetStatusByProcessorRef(ctx context.Context, ref string, status types.SubscriptionStatus) (*types.SubscriptionRecord, error) {
	res := s.col.FindOneAndUpdate(ctx,
		bson.M{"processor_subscription_ref": ref},
		bson.M{"$set": bson.M{"status": status, "updated_at": s.now()}},
		returnAfter,
	)
	return decodeOptional(res, "failed to update subscription status")
}

func (s *SubscriptionStore) ResetPeriodIfChanged(ctx context.Context, ref string, start, end time.Time) (bool, error) {
	res, err := s.col.UpdateOne(ctx, resetFilter(ref, start), bson.M{"$set": bson.M{
		"units_consumed_this_period": 0,
		"current_period_start":       start,
		"current_period_end":         end,
		"updated_at":                 s.now(),
	}})
	if err != nil {
		return false, dbErr("failed to reset billing period", err)
	}
	return res.ModifiedCount > 0, nil
}

func (s *SubscriptionStore) ConsumeOneShot(ctx context.Context, id string) (*types.SubscriptionRecord, error) {
	res := s.col.FindOneAndUpdate(ctx, consumeOneShotFilter(id), bson.M{"$set": bson.M{
		"status":                     types.SubStatusOneTimeUsed,
		"units_consumed_this_period": 1,
		"updated_at":                 s.now(),
	}}, returnAfter)
	return decodeOptional(res, "failed to consume one-shot credit")
}

func (s *SubscriptionStore) IncrementIfBelowQuota(ctx context.Context, id string) (*types.SubscriptionRecord, error) {
	res := s.col.FindOneAndUpdate(ctx, incrementFilter(id), bson.M{
		"$inc": bson.M{"units_consumed_this_period": 1},
		"$set": bson.M{"updated_at": s.now()},
	}, returnAfter)
	return decodeOptional(res, "failed to increment usage")
}

func decodeOptional(res *mongo.SingleResult, msg string) (*types.SubscriptionRecord, error) {
	var rec types.SubscriptionRecord
	if err := res.Decode(&rec); err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, dbErr(msg, err)
	}
	return &rec, nil
}
