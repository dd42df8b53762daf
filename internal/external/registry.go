package external

import (
	"log/slog"
	"net/http"
	"time"

	"sponsorscout/internal/config"
)

// ClientRegistry holds the outbound clients. Test mode and local runs get
// stubs for the processor and the model; signature verification is always
// real.
type ClientRegistry struct {
	Payments PaymentProcessor
	Verifier WebhookVerifier
	LLM      Completer
}

func NewClientRegistry(cfg *config.Config, customers CustomerDirectory, logger *slog.Logger) *ClientRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &ClientRegistry{
		Verifier: NewStripeVerifier(cfg.Billing.StripeWebhookSecret.Unmask()),
	}

	if cfg.IsTestMode || cfg.Environment == "local" {
		stubLogger := logger.With("component", "stub")
		reg.Payments = NewStubPaymentProcessor(stubLogger)
		reg.LLM = NewStubCompleter(stubLogger)
		if cfg.Environment == "local" && !cfg.IsTestMode && !cfg.LLM.APIKey.IsZero() {
			reg.LLM = newLLM(cfg, logger)
		}
		return reg
	}

	reg.Payments = NewStripeClient(&http.Client{Timeout: 20 * time.Second}, customers, StripeClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
		BaseURL:   cfg.Billing.StripeBaseURL,
		Logger:    logger.With("client", "stripe"),
	})
	reg.LLM = newLLM(cfg, logger)
	return reg
}

func newLLM(cfg *config.Config, logger *slog.Logger) *LLMClient {
	return NewLLMClient(&http.Client{Timeout: cfg.LLM.Timeout}, LLMClientConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey.Unmask(),
		Model:   cfg.LLM.Model,
		Logger:  logger.With("client", "llm"),
	})
}
