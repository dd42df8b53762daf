package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// StubPaymentProcessor logs calls and returns deterministic ids. Used in test
// mode and local runs without processor credentials.
type StubPaymentProcessor struct {
	logger *slog.Logger
}

func NewStubPaymentProcessor(logger *slog.Logger) *StubPaymentProcessor {
	return &StubPaymentProcessor{logger: logger}
}

func (s *StubPaymentProcessor) EnsureCustomer(ctx context.Context, userID string) (string, error) {
	s.logger.InfoContext(ctx, "stub: EnsureCustomer", "user_id", userID)
	return "cus_stub_" + userID, nil
}

func (s *StubPaymentProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	s.logger.InfoContext(ctx, "stub: CreateCheckoutSession",
		"user_id", req.UserID,
		"plan_id", req.Plan.ID,
	)
	id := fmt.Sprintf("cs_stub_%s_%s", req.UserID, req.Plan.ID)
	return CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}

// StubCompleter answers with a canned JSON candidate list.
type StubCompleter struct {
	logger *slog.Logger
}

func NewStubCompleter(logger *slog.Logger) *StubCompleter {
	return &StubCompleter{logger: logger}
}

func (s *StubCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	s.logger.InfoContext(ctx, "stub: Complete", "prompt_chars", len(req.Prompt))
	topic := strings.TrimSpace(req.Prompt)
	if len(topic) > 40 {
		topic = topic[:40]
	}
	out, err := json.Marshal([]map[string]string{
		{"name": "Example Outdoor Co.", "reason": fmt.Sprintf("audience overlap with %s", topic)},
		{"name": "Example Coffee Roasters", "reason": "sponsors similar creators"},
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
