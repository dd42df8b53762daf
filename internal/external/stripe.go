package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"sponsorscout/internal/types"
)

const stripeAPIBase = "https://api.stripe.com"

// Checkout metadata keys read back by the webhook handler.
const (
	MetadataUserID = "user_id"
	MetadataPlanID = "plan_id"
)

type StripeClientConfig struct {
	SecretKey string
	BaseURL   string
	Logger    *slog.Logger
}

// StripeClient calls the Stripe REST API with form-encoded requests through
// BaseClient.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	customers CustomerDirectory
	logger    *slog.Logger
	newKey    func() string
}

var _ PaymentProcessor = (*StripeClient)(nil)

func NewStripeClient(httpClient *http.Client, customers CustomerDirectory, cfg StripeClientConfig, opts ...BaseClientOption) *StripeClient {
	base := NewBaseClient(httpClient, "stripe",
		RetryPolicy{MaxRetries: 2, MinWait: 500 * time.Millisecond, MaxWait: 5 * time.Second},
		"SponsorScout/1.0", opts...)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		customers: customers,
		logger:    logger,
		newKey:    uuid.NewString,
	}
}

// EnsureCustomer returns the user's Stripe customer, searching by metadata
// before creating one so retries never create duplicates. The customer id is
// linked to the user on a best-effort basis.
func (s *StripeClient) EnsureCustomer(ctx context.Context, userID string) (string, error) {
	user, err := s.customers.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	if user.ProcessorCustomerRef != "" {
		return user.ProcessorCustomerRef, nil
	}

	q := url.Values{}
	q.Set("query", fmt.Sprintf("metadata['%s']:'%s'", MetadataUserID, userID))
	var found stripeSearchResult
	if err := s.call(ctx, http.MethodGet, "/v1/customers/search", q, "", &found, "EnsureCustomer.search"); err != nil {
		return "", err
	}

	var customerID string
	if len(found.Data) > 0 {
		customerID = found.Data[0].ID
	} else {
		form := url.Values{}
		if user.Email != "" {
			form.Set("email", user.Email)
		}
		form.Set("metadata["+MetadataUserID+"]", userID)
		var created stripeCustomer
		if err := s.call(ctx, http.MethodPost, "/v1/customers", form, "customer-"+userID, &created, "EnsureCustomer.create"); err != nil {
			return "", err
		}
		customerID = created.ID
	}

	if err := s.customers.SetCustomerRef(ctx, userID, customerID); err != nil {
		s.logger.WarnContext(ctx, "failed to link stripe customer",
			"user_id", userID,
			"customer_id", customerID,
			"error", err,
		)
	}
	return customerID, nil
}

// CreateCheckoutSession opens a hosted checkout for req.Plan.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	if req.Plan.PriceID == "" {
		return CheckoutSession{}, types.NewAppError(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("plan %s has no processor price", req.Plan.ID), nil)
	}
	customerID, err := s.EnsureCustomer(ctx, req.UserID)
	if err != nil {
		return CheckoutSession{}, err
	}

	form := checkoutForm(customerID, req)
	var session stripeCheckoutSession
	if err := s.call(ctx, http.MethodPost, "/v1/checkout/sessions", form, s.newKey(), &session, "CreateCheckoutSession"); err != nil {
		return CheckoutSession{}, err
	}
	return CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func checkoutForm(customerID string, req CheckoutRequest) url.Values {
	plan := string(req.Plan.ID)
	form := url.Values{}
	form.Set("customer", customerID)
	form.Set("client_reference_id", req.UserID)
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("line_items[0][price]", req.Plan.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("metadata["+MetadataUserID+"]", req.UserID)
	form.Set("metadata["+MetadataPlanID+"]", plan)
	if req.Plan.IsRecurring {
		form.Set("mode", string(stripe.CheckoutSessionModeSubscription))
		form.Set("subscription_data[metadata]["+MetadataUserID+"]", req.UserID)
		form.Set("subscription_data[metadata]["+MetadataPlanID+"]", plan)
	} else {
		form.Set("mode", string(stripe.CheckoutSessionModePayment))
		form.Set("payment_intent_data[metadata]["+MetadataUserID+"]", req.UserID)
	}
	return form
}

// call performs one authenticated request and decodes a 200 body into out.
func (s *StripeClient) call(ctx context.Context, method, path string, params url.Values, idempotencyKey string, out any, op string) error {
	target := s.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, op+": failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.base.Do(req)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return appErr
		}
		return types.NewAppError(types.ErrCodeUpstreamStripe, op+": request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stripeError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe, op+": undecodable response", err)
	}
	return nil
}

type stripeErrorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}

func stripeError(op string, resp *http.Response) error {
	var body stripeErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: stripe returned %d with unreadable body", op, resp.StatusCode), err)
	}
	e := body.Error
	if e.Code == "card_declined" || e.DeclineCode != "" {
		return types.NewAppError(types.ErrCodePaymentDeclined, op+": payment declined: "+e.Message, nil).
			WithDetails(map[string]any{"decline_code": e.DeclineCode, "stripe_code": e.Code})
	}
	if resp.StatusCode == http.StatusNotFound {
		return types.NewAppError(types.ErrCodeNotFoundUser, op+": stripe resource not found: "+e.Message, nil)
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: stripe error (%d): %s", op, resp.StatusCode, e.Message), nil)
}

type stripeCustomer struct {
	ID string `json:"id"`
}

type stripeSearchResult struct {
	Data []stripeCustomer `json:"data"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// StripeVerifier checks the Stripe-Signature header, including timestamp
// tolerance, and decodes the event envelope.
type StripeVerifier struct {
	secret string
}

var _ WebhookVerifier = (*StripeVerifier)(nil)

func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret}
}

func (v *StripeVerifier) ConstructEvent(payload []byte, header string) (stripe.Event, error) {
	if strings.TrimSpace(header) == "" {
		return stripe.Event{}, webhook.ErrNotSigned
	}
	return webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}
