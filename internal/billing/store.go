package billing

import (
	"context"
	"time"

	"sponsorscout/internal/types"
)

// SubscriptionStore persists subscription records. Every mutation that guards
// quota is a single conditional write in the backing store; implementations
// must not read then write.
//
// Lookups return (nil, nil) when nothing matches. Guarded writes return
// (nil, nil) when the guard did not hold.
type SubscriptionStore interface {
	// ActiveForUser returns the most recently created record whose status is
	// one of types.EntitlingStatuses.
	ActiveForUser(ctx context.Context, userID string) (*types.SubscriptionRecord, error)
	GetByProcessorRef(ctx context.Context, ref string) (*types.SubscriptionRecord, error)
	// ListForUser returns every record of the user, newest first.
	ListForUser(ctx context.Context, userID string) ([]types.SubscriptionRecord, error)

	// Create inserts rec. When a record with the same processor subscription
	// ref already exists it is returned unchanged and created is false.
	Create(ctx context.Context, rec *types.SubscriptionRecord) (stored *types.SubscriptionRecord, created bool, err error)

	// UpsertByProcessorRef inserts a record with zero consumption or updates
	// status, period bounds, plan and quota of the existing one. Consumption is
	// never modified.
	UpsertByProcessorRef(ctx context.Context, u SubscriptionUpsert) (*types.SubscriptionRecord, error)

	SetStatusByProcessorRef(ctx context.Context, ref string, status types.SubscriptionStatus) (*types.SubscriptionRecord, error)

	// ResetPeriodIfChanged zeroes consumption and stores the new bounds only when
	// start differs from the stored period start.
	ResetPeriodIfChanged(ctx context.Context, ref string, start, end time.Time) (reset bool, err error)

	// ConsumeOneShot flips one_time_available to one_time_used with consumed=1.
	ConsumeOneShot(ctx context.Context, id string) (*types.SubscriptionRecord, error)

	// IncrementIfBelowQuota adds one unit when consumed < units_per_period and
	// the record is still entitling.
	IncrementIfBelowQuota(ctx context.Context, id string) (*types.SubscriptionRecord, error)
}

// SubscriptionUpsert is the processor-side state applied by UpsertByProcessorRef.
type SubscriptionUpsert struct {
	UserID                   string
	PlanID                   types.PlanID
	Status                   types.SubscriptionStatus
	UnitsPerPeriod           int
	CurrentPeriodStart       *time.Time
	CurrentPeriodEnd         *time.Time
	ProcessorCustomerRef     string
	ProcessorSubscriptionRef string
	// NewID and Now are used only when the upsert inserts.
	NewID string
	Now   time.Time
}

// LedgerStore is the append-only consumption log.
type LedgerStore interface {
	// Append is idempotent on entry ID.
	Append(ctx context.Context, entry types.LedgerEntry) error
	Exists(ctx context.Context, id string) (bool, error)
	ListForUser(ctx context.Context, userID, periodKey string) ([]types.LedgerEntry, error)
	ListByPeriod(ctx context.Context, periodKey string) ([]types.LedgerEntry, error)
}

// UserDirectory resolves processor customers to local users.
type UserDirectory interface {
	Get(ctx context.Context, userID string) (*types.User, error)
	FindByCustomerRef(ctx context.Context, customerRef string) (*types.User, error)
	SetCustomerRef(ctx context.Context, userID, customerRef string) error
}

// LedgerOutbox takes ledger entries whose append failed so they can be
// re-appended later.
type LedgerOutbox interface {
	Enqueue(ctx context.Context, entry types.LedgerEntry) error
}

// Metrics receives billing outcome counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	UsageRecorded(plan types.PlanID)
	UsageRejected(reason string)
	WebhookProcessed(eventType, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) UsageRecorded(types.PlanID)      {}
func (noopMetrics) UsageRejected(string)            {}
func (noopMetrics) WebhookProcessed(string, string) {}
