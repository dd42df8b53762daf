package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sponsorscout/internal/types"
)

// Processor event types handled by the reconciler.
const (
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventCheckoutCompleted       = "checkout.session.completed"
)

// Checkout modes.
const (
	CheckoutModePayment      = "payment"
	CheckoutModeSubscription = "subscription"
)

// ProcessorEvent is a processor notification reduced to the fields the
// reconciler acts on. Transport code builds it after signature verification.
type ProcessorEvent struct {
	ID   string
	Type string

	CustomerRef string
	// SubscriptionRef is the processor subscription id, or the checkout
	// session id for one-shot purchases.
	SubscriptionRef string
	// UserID comes from object metadata or the checkout client reference.
	UserID string
	// PlanID comes from metadata; PriceID from the line item. PriceID wins.
	PlanID  types.PlanID
	PriceID string

	Status       string
	PeriodStart  *time.Time
	PeriodEnd    *time.Time
	CheckoutMode string
	// BillingReason is the invoice's billing_reason; empty when the payload
	// does not carry one.
	BillingReason string
	CreatedAt     time.Time
}

// Invoice billing reasons that open a new subscription period.
const (
	BillingReasonSubscriptionCreate = "subscription_create"
	BillingReasonSubscriptionCycle  = "subscription_cycle"
)

// opensPeriod reports whether a paid invoice may move the subscription to a
// new period. Mid-period invoices (plan changes, manual charges) never do.
func (ev ProcessorEvent) opensPeriod() bool {
	switch ev.BillingReason {
	case "", BillingReasonSubscriptionCreate, BillingReasonSubscriptionCycle:
		return true
	}
	return false
}

// Reconciler applies processor events to subscription records. Every branch is
// safe to replay.
type Reconciler struct {
	subs    SubscriptionStore
	users   UserDirectory
	catalog PlanCatalog
	clock   types.Clock
	logger  *slog.Logger
}

func NewReconciler(subs SubscriptionStore, users UserDirectory, catalog PlanCatalog, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if catalog == nil {
		catalog = DefaultPlanCatalog()
	}
	return &Reconciler{subs: subs, users: users, catalog: catalog, clock: types.RealClock{}, logger: logger}
}

// SetClock replaces the clock used for created/updated timestamps.
func (r *Reconciler) SetClock(c types.Clock) {
	r.clock = c
}

// Reconcile applies one event.
//
// A nil error means the event was applied or was a no-op. ErrUnknownProcessorEvent,
// ErrUnknownUser and ErrUnknownPlan are permanent and should be acknowledged.
// Errors wrapping ErrTransientStore should be retried by the sender.
func (r *Reconciler) Reconcile(ctx context.Context, ev ProcessorEvent) error {
	log := r.logger.With("event_id", ev.ID, "event_type", ev.Type)

	var err error
	switch ev.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		err = r.upsertSubscription(ctx, log, ev)
	case EventSubscriptionDeleted:
		err = r.setStatus(ctx, log, ev, types.SubStatusCanceled)
	case EventInvoicePaymentSucceeded:
		err = r.rollPeriod(ctx, log, ev)
	case EventInvoicePaymentFailed:
		err = r.setStatus(ctx, log, ev, types.SubStatusPastDue)
	case EventCheckoutCompleted:
		err = r.completeCheckout(ctx, log, ev)
	default:
		log.InfoContext(ctx, "ignoring unhandled processor event")
		return fmt.Errorf("%w: %s", ErrUnknownProcessorEvent, ev.Type)
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrTransientStore):
		log.ErrorContext(ctx, "processor event failed; sender should retry", "error", err)
	default:
		log.WarnContext(ctx, "processor event cannot be applied", "error", err)
	}
	return err
}

func (r *Reconciler) upsertSubscription(ctx context.Context, log *slog.Logger, ev ProcessorEvent) error {
	if ev.SubscriptionRef == "" {
		return fmt.Errorf("%s without subscription reference", ev.Type)
	}

	plan, err := r.resolvePlan(ev)
	if err != nil {
		return err
	}

	existing, err := r.subs.GetByProcessorRef(ctx, ev.SubscriptionRef)
	if err != nil {
		return storeErr("load subscription", err)
	}

	userID := ""
	if existing != nil {
		userID = existing.UserID
	} else {
		user, err := r.resolveUser(ctx, ev)
		if err != nil {
			return err
		}
		userID = user.ID
	}

	// Period advancement belongs to the paid invoice, which also resets
	// consumption. Keep the stored bounds until that arrives.
	periodStart, periodEnd := ev.PeriodStart, ev.PeriodEnd
	if existing != nil && existing.CurrentPeriodStart != nil && !samePeriodStart(existing.CurrentPeriodStart, ev.PeriodStart) {
		log.InfoContext(ctx, "subscription period changed; waiting for paid invoice to roll it",
			"subscription_id", existing.ID,
			"stored_period_start", existing.CurrentPeriodStart.UTC(),
		)
		periodStart, periodEnd = existing.CurrentPeriodStart, existing.CurrentPeriodEnd
	}

	now := r.clock.Now()
	rec, err := r.subs.UpsertByProcessorRef(ctx, SubscriptionUpsert{
		UserID:                   userID,
		PlanID:                   plan.ID,
		Status:                   types.ParseSubscriptionStatus(ev.Status),
		UnitsPerPeriod:           plan.UnitsPerPeriod,
		CurrentPeriodStart:       periodStart,
		CurrentPeriodEnd:         periodEnd,
		ProcessorCustomerRef:     ev.CustomerRef,
		ProcessorSubscriptionRef: ev.SubscriptionRef,
		NewID:                    types.NewID(types.PrefixSubscription),
		Now:                      now,
	})
	if err != nil {
		return storeErr("upsert subscription", err)
	}

	log.InfoContext(ctx, "subscription reconciled",
		"subscription_id", rec.ID,
		"user_id", rec.UserID,
		"plan_id", rec.PlanID,
		"status", rec.Status,
		"created", existing == nil,
	)
	return nil
}

func (r *Reconciler) setStatus(ctx context.Context, log *slog.Logger, ev ProcessorEvent, status types.SubscriptionStatus) error {
	if ev.SubscriptionRef == "" {
		log.InfoContext(ctx, "event carries no subscription reference; nothing to update")
		return nil
	}
	rec, err := r.subs.SetStatusByProcessorRef(ctx, ev.SubscriptionRef, status)
	if err != nil {
		return storeErr("set subscription status", err)
	}
	if rec == nil {
		log.WarnContext(ctx, "no local record for processor subscription", "subscription_ref", ev.SubscriptionRef)
		return nil
	}
	log.InfoContext(ctx, "subscription status updated",
		"subscription_id", rec.ID,
		"status", status,
		"units_consumed", rec.UnitsConsumedThisPeriod,
	)
	return nil
}

// rollPeriod is the only path that resets recurring consumption. It fires
// only for a cycle or creation invoice whose period differs from the stored one.
func (r *Reconciler) rollPeriod(ctx context.Context, log *slog.Logger, ev ProcessorEvent) error {
	if ev.SubscriptionRef == "" || ev.PeriodStart == nil || ev.PeriodEnd == nil {
		log.InfoContext(ctx, "invoice is not tied to a subscription period; ignoring")
		return nil
	}
	if !ev.opensPeriod() {
		log.InfoContext(ctx, "mid-period invoice paid; period unchanged",
			"subscription_ref", ev.SubscriptionRef,
			"billing_reason", ev.BillingReason,
		)
		return nil
	}
	reset, err := r.subs.ResetPeriodIfChanged(ctx, ev.SubscriptionRef, *ev.PeriodStart, *ev.PeriodEnd)
	if err != nil {
		return storeErr("reset billing period", err)
	}
	log.InfoContext(ctx, "invoice paid",
		"subscription_ref", ev.SubscriptionRef,
		"period_start", ev.PeriodStart.UTC(),
		"period_reset", reset,
	)
	return nil
}

func (r *Reconciler) completeCheckout(ctx context.Context, log *slog.Logger, ev ProcessorEvent) error {
	user, err := r.resolveUser(ctx, ev)
	if err != nil {
		return err
	}

	if ev.CheckoutMode != CheckoutModePayment {
		// Recurring purchases materialize through subscription events.
		log.InfoContext(ctx, "subscription checkout completed", "user_id", user.ID)
		return nil
	}

	plan, err := r.resolvePlan(ev)
	if err != nil {
		return err
	}
	if plan.IsRecurring {
		return fmt.Errorf("%w: payment checkout for recurring plan %q", ErrUnknownPlan, plan.ID)
	}
	if ev.SubscriptionRef == "" {
		return fmt.Errorf("checkout session without id")
	}

	now := r.clock.Now()
	rec, created, err := r.subs.Create(ctx, &types.SubscriptionRecord{
		ID:                       types.NewID(types.PrefixSubscription),
		UserID:                   user.ID,
		PlanID:                   plan.ID,
		Status:                   types.SubStatusOneTimeAvailable,
		UnitsPerPeriod:           1,
		UnitsConsumedThisPeriod:  0,
		ProcessorCustomerRef:     ev.CustomerRef,
		ProcessorSubscriptionRef: ev.SubscriptionRef,
		CreatedAt:                now,
		UpdatedAt:                now,
	})
	if err != nil {
		return storeErr("create one-shot record", err)
	}
	log.InfoContext(ctx, "one-shot credit granted",
		"subscription_id", rec.ID,
		"user_id", rec.UserID,
		"created", created,
	)
	return nil
}

func (r *Reconciler) resolvePlan(ev ProcessorEvent) (Plan, error) {
	if ev.PriceID != "" {
		if p, ok := r.catalog.ByPriceID(ev.PriceID); ok {
			return p, nil
		}
	}
	if ev.PlanID != "" {
		if p, ok := r.catalog.Get(ev.PlanID); ok {
			return p, nil
		}
	}
	return Plan{}, fmt.Errorf("%w: price %q plan %q", ErrUnknownPlan, ev.PriceID, ev.PlanID)
}

// resolveUser prefers the user id carried in metadata and falls back to the
// customer reference. The customer reference is linked to the user on first sight.
func (r *Reconciler) resolveUser(ctx context.Context, ev ProcessorEvent) (*types.User, error) {
	var user *types.User
	if ev.UserID != "" {
		u, err := r.users.Get(ctx, ev.UserID)
		if err != nil {
			return nil, storeErr("load user", err)
		}
		user = u
	}
	if user == nil && ev.CustomerRef != "" {
		u, err := r.users.FindByCustomerRef(ctx, ev.CustomerRef)
		if err != nil {
			return nil, storeErr("find user by customer", err)
		}
		user = u
	}
	if user == nil {
		return nil, fmt.Errorf("%w: user %q customer %q", ErrUnknownUser, ev.UserID, ev.CustomerRef)
	}

	if ev.CustomerRef != "" && user.ProcessorCustomerRef == "" {
		if err := r.users.SetCustomerRef(ctx, user.ID, ev.CustomerRef); err != nil {
			r.logger.WarnContext(ctx, "failed to link processor customer to user",
				"user_id", user.ID, "error", err)
		}
	}
	return user, nil
}
