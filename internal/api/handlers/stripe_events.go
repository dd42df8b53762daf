package handlers

import (
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/external"
	"sponsorscout/internal/types"
)

// Minimal views of the Stripe objects the reconciler needs. Both the
// pre-2025 layout (period on the subscription, subscription on the invoice)
// and the current one (period on items, subscription under parent) decode.

type stripeSubscriptionObj struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeSubDetails struct {
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type stripeInvoiceObj struct {
	ID                  string            `json:"id"`
	Customer            string            `json:"customer"`
	BillingReason       string            `json:"billing_reason"`
	Subscription        string            `json:"subscription"`
	SubscriptionDetails *stripeSubDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *stripeSubDetails `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []stripeInvoiceLine `json:"data"`
	} `json:"lines"`
}

type stripeInvoiceLine struct {
	Proration bool `json:"proration"`
	Parent    *struct {
		SubscriptionItemDetails *struct {
			Proration bool `json:"proration"`
		} `json:"subscription_item_details"`
	} `json:"parent"`
	Period struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
	Price *struct {
		ID string `json:"id"`
	} `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price string `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
}

func (l stripeInvoiceLine) isProration() bool {
	if l.Proration {
		return true
	}
	return l.Parent != nil && l.Parent.SubscriptionItemDetails != nil && l.Parent.SubscriptionItemDetails.Proration
}

// periodLine is the first non-proration line. Proration lines cover the
// remainder of a period from the moment of a plan change.
func (inv stripeInvoiceObj) periodLine() (stripeInvoiceLine, bool) {
	for _, line := range inv.Lines.Data {
		if !line.isProration() {
			return line, true
		}
	}
	return stripeInvoiceLine{}, false
}

type stripeCheckoutSessionObj struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	ClientReferenceID string            `json:"client_reference_id"`
	Subscription      string            `json:"subscription"`
	PaymentStatus     string            `json:"payment_status"`
	Metadata          map[string]string `json:"metadata"`
}

// processorEvent reduces a verified Stripe event to billing.ProcessorEvent.
// Unhandled types yield an event with only ID and Type set; the reconciler
// reports those as unknown.
func processorEvent(ev stripe.Event) (billing.ProcessorEvent, error) {
	out := billing.ProcessorEvent{
		ID:        ev.ID,
		Type:      string(ev.Type),
		CreatedAt: time.Unix(ev.Created, 0).UTC(),
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return out, nil
	}
	raw := ev.Data.Raw

	switch out.Type {
	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		var sub stripeSubscriptionObj
		if err := json.Unmarshal(raw, &sub); err != nil {
			return out, fmt.Errorf("decode subscription: %w", err)
		}
		out.SubscriptionRef = sub.ID
		out.CustomerRef = sub.Customer
		out.Status = sub.Status
		out.UserID = sub.Metadata[external.MetadataUserID]
		out.PlanID = types.PlanID(sub.Metadata[external.MetadataPlanID])
		start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
		if len(sub.Items.Data) > 0 {
			item := sub.Items.Data[0]
			out.PriceID = item.Price.ID
			if start == 0 {
				start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
			}
		}
		out.PeriodStart, out.PeriodEnd = unixPtr(start), unixPtr(end)

	case billing.EventInvoicePaymentSucceeded, billing.EventInvoicePaymentFailed:
		var inv stripeInvoiceObj
		if err := json.Unmarshal(raw, &inv); err != nil {
			return out, fmt.Errorf("decode invoice: %w", err)
		}
		out.CustomerRef = inv.Customer
		out.BillingReason = inv.BillingReason
		out.SubscriptionRef = inv.Subscription
		details := inv.SubscriptionDetails
		if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
			details = inv.Parent.SubscriptionDetails
		}
		if details != nil {
			if out.SubscriptionRef == "" {
				out.SubscriptionRef = details.Subscription
			}
			out.UserID = details.Metadata[external.MetadataUserID]
			out.PlanID = types.PlanID(details.Metadata[external.MetadataPlanID])
		}
		if line, ok := inv.periodLine(); ok {
			out.PeriodStart, out.PeriodEnd = unixPtr(line.Period.Start), unixPtr(line.Period.End)
			switch {
			case line.Price != nil:
				out.PriceID = line.Price.ID
			case line.Pricing != nil && line.Pricing.PriceDetails != nil:
				out.PriceID = line.Pricing.PriceDetails.Price
			}
		}

	case billing.EventCheckoutCompleted:
		var s stripeCheckoutSessionObj
		if err := json.Unmarshal(raw, &s); err != nil {
			return out, fmt.Errorf("decode checkout session: %w", err)
		}
		out.CheckoutMode = s.Mode
		out.CustomerRef = s.Customer
		out.UserID = s.ClientReferenceID
		if out.UserID == "" {
			out.UserID = s.Metadata[external.MetadataUserID]
		}
		out.PlanID = types.PlanID(s.Metadata[external.MetadataPlanID])
		out.SubscriptionRef = s.ID
		if s.Mode == billing.CheckoutModeSubscription && s.Subscription != "" {
			out.SubscriptionRef = s.Subscription
		}
	}
	return out, nil
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
