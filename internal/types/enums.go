package types

// PlanID identifies a purchasable plan.
type PlanID string

const (
	PlanOneShot PlanID = "one_shot"
	PlanBasic   PlanID = "basic"
	PlanPro     PlanID = "pro"
)

// Valid reports whether p is one of the known plans.
func (p PlanID) Valid() bool {
	switch p {
	case PlanOneShot, PlanBasic, PlanPro:
		return true
	}
	return false
}

// SubscriptionStatus mirrors the processor's subscription states plus the two
// one-shot credit states.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusOneTimeAvailable  SubscriptionStatus = "one_time_available"
	SubStatusOneTimeUsed       SubscriptionStatus = "one_time_used"
)

// EntitlingStatuses are the statuses that make a record eligible to be the
// user's active entitlement.
var EntitlingStatuses = []SubscriptionStatus{
	SubStatusActive,
	SubStatusTrialing,
	SubStatusOneTimeAvailable,
}

// Entitling reports whether s is one of EntitlingStatuses.
func (s SubscriptionStatus) Entitling() bool {
	for _, e := range EntitlingStatuses {
		if s == e {
			return true
		}
	}
	return false
}

// ParseSubscriptionStatus maps a processor status string to a known status.
// Unknown values map to incomplete so they never grant access.
func ParseSubscriptionStatus(s string) SubscriptionStatus {
	switch st := SubscriptionStatus(s); st {
	case SubStatusActive, SubStatusTrialing, SubStatusPastDue, SubStatusCanceled,
		SubStatusUnpaid, SubStatusIncomplete, SubStatusIncompleteExpired,
		SubStatusOneTimeAvailable, SubStatusOneTimeUsed:
		return st
	case "paused":
		return SubStatusUnpaid
	default:
		return SubStatusIncomplete
	}
}
