package types

import "time"

// SubscriptionRecord is the local view of one processor subscription or one
// one-shot credit purchase. Records are never deleted.
type SubscriptionRecord struct {
	ID                       string             `json:"id" bson:"_id"`
	UserID                   string             `json:"user_id" bson:"user_id"`
	PlanID                   PlanID             `json:"plan_id" bson:"plan_id"`
	Status                   SubscriptionStatus `json:"status" bson:"status"`
	UnitsPerPeriod           int                `json:"units_per_period" bson:"units_per_period"`
	UnitsConsumedThisPeriod  int                `json:"units_consumed_this_period" bson:"units_consumed_this_period"`
	CurrentPeriodStart       *time.Time         `json:"current_period_start,omitempty" bson:"current_period_start,omitempty"`
	CurrentPeriodEnd         *time.Time         `json:"current_period_end,omitempty" bson:"current_period_end,omitempty"`
	ProcessorCustomerRef     string             `json:"processor_customer_ref,omitempty" bson:"processor_customer_ref,omitempty"`
	ProcessorSubscriptionRef string             `json:"processor_subscription_ref,omitempty" bson:"processor_subscription_ref,omitempty"`
	CreatedAt                time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt                time.Time          `json:"updated_at" bson:"updated_at"`
}

// Remaining returns the units left in the current period, never negative.
func (r *SubscriptionRecord) Remaining() int {
	if n := r.UnitsPerPeriod - r.UnitsConsumedThisPeriod; n > 0 {
		return n
	}
	return 0
}

// LedgerEntry records one committed unit of work. Entries are append-only.
type LedgerEntry struct {
	ID               string    `json:"id" bson:"_id"`
	UserID           string    `json:"user_id" bson:"user_id"`
	SubscriptionID   string    `json:"subscription_id" bson:"subscription_id"`
	WorkDescription  string    `json:"work_description" bson:"work_description"`
	ConsumedAt       time.Time `json:"consumed_at" bson:"consumed_at"`
	BillingPeriodKey string    `json:"billing_period_key" bson:"billing_period_key"`
}

// User is the minimal account view the billing core needs.
type User struct {
	ID                   string    `json:"id" bson:"_id"`
	Email                string    `json:"email" bson:"email"`
	ProcessorCustomerRef string    `json:"processor_customer_ref,omitempty" bson:"processor_customer_ref,omitempty"`
	CreatedAt            time.Time `json:"created_at" bson:"created_at"`
}

// APIKey is a hashed bearer credential owned by a user.
type APIKey struct {
	ID         string     `json:"id" bson:"_id"`
	UserID     string     `json:"user_id" bson:"user_id"`
	KeyHash    string     `json:"-" bson:"key_hash"`
	CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty" bson:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" bson:"last_used_at,omitempty"`
}
