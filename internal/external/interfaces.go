package external

import (
	"context"

	stripe "github.com/stripe/stripe-go/v82"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/types"
)

// CheckoutRequest describes one hosted checkout for a plan.
type CheckoutRequest struct {
	UserID     string
	Plan       billing.Plan
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the hosted page the client redirects the user to.
type CheckoutSession struct {
	ID  string `json:"sessionId"`
	URL string `json:"url"`
}

// PaymentProcessor creates processor-side customers and checkout sessions.
// One-shot plans open a payment-mode checkout, recurring plans a
// subscription-mode one. Both carry the user and plan in metadata so the
// resulting notifications can be reconciled.
type PaymentProcessor interface {
	EnsureCustomer(ctx context.Context, userID string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
}

// WebhookVerifier authenticates a processor notification and decodes it.
type WebhookVerifier interface {
	ConstructEvent(payload []byte, signatureHeader string) (stripe.Event, error)
}

// CustomerDirectory is the part of the user store the processor client needs.
type CustomerDirectory interface {
	Get(ctx context.Context, userID string) (*types.User, error)
	SetCustomerRef(ctx context.Context, userID, customerRef string) error
}

// CompletionRequest is one prompt sent to the language model.
type CompletionRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completer produces text completions.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
