package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/core"
	"sponsorscout/internal/db/memstore"
	"sponsorscout/internal/external"
	"sponsorscout/internal/types"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testUserID        = "usr_1"
	testCustomerID    = "cus_test_1"
	priceBasic        = "price_basic_test"
	pricePro          = "price_pro_test"
	priceOneShot      = "price_one_shot_test"
	actorHeader       = "X-Test-User"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type countingMetrics struct {
	mu      sync.Mutex
	webhook map[string]int
}

func (m *countingMetrics) UsageRecorded(types.PlanID) {}
func (m *countingMetrics) UsageRejected(string)       {}
func (m *countingMetrics) WebhookProcessed(eventType, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.webhook == nil {
		m.webhook = map[string]int{}
	}
	m.webhook[eventType+"/"+outcome]++
}

func (m *countingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.webhook[key]
}

type fakePayments struct {
	calls []external.CheckoutRequest
	err   error
}

func (f *fakePayments) EnsureCustomer(context.Context, string) (string, error) {
	return testCustomerID, nil
}

func (f *fakePayments) CreateCheckoutSession(_ context.Context, req external.CheckoutRequest) (external.CheckoutSession, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return external.CheckoutSession{}, f.err
	}
	return external.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}, nil
}

// env wires the real billing components over the memory stores.
type env struct {
	store    *memstore.Store
	ledger   *memstore.Ledger
	events   *memstore.WebhookEvents
	catalog  billing.PlanCatalog
	metrics  *countingMetrics
	payments *fakePayments
	router   chi.Router
}

func newEnv(t *testing.T) *env {
	t.Helper()
	catalog, err := billing.NewPlanCatalog(billing.CatalogOptions{PriceIDs: map[types.PlanID]string{
		types.PlanOneShot: priceOneShot,
		types.PlanBasic:   priceBasic,
		types.PlanPro:     pricePro,
	}})
	if err != nil {
		t.Fatalf("NewPlanCatalog: %v", err)
	}

	e := &env{
		store:    memstore.New(),
		ledger:   memstore.NewLedger(),
		events:   memstore.NewWebhookEvents(),
		catalog:  catalog,
		metrics:  &countingMetrics{},
		payments: &fakePayments{},
	}
	e.store.PutUser(types.User{ID: testUserID, Email: "club@example.com"})

	evaluator := billing.NewEvaluator(e.store, catalog, discardLogger)
	recorder := billing.NewRecorder(e.store, e.ledger, catalog, discardLogger, billing.WithRecorderMetrics(e.metrics))
	reconciler := billing.NewReconciler(e.store, e.store, catalog, discardLogger)

	webhookHandler := NewStripeWebhookHandler(external.NewStripeVerifier(testWebhookSecret), reconciler, e.events, e.metrics, 0, discardLogger)
	billingHandler := NewBillingHandler(evaluator, recorder, e.ledger, catalog, e.payments, core.NewValidator(),
		CheckoutDefaults{SuccessURL: "https://app.example.com/ok", CancelURL: "https://app.example.com/cancel"}, discardLogger)

	r := chi.NewRouter()
	r.Use(testActor)
	r.Route("/v1", func(r chi.Router) {
		webhookHandler.RegisterRoutes(r)
		billingHandler.RegisterRoutes(r)
	})
	e.router = r
	return e
}

// testActor stands in for the API key middleware.
func testActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u := r.Header.Get(actorHeader); u != "" {
			r = r.WithContext(types.WithActor(r.Context(), types.Actor{UserID: u, Type: types.ActorTypeUser}))
		}
		next.ServeHTTP(w, r)
	})
}

func (e *env) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		raw = b
	}
	return e.serve(method, path, user, raw)
}

// serve is safe to call from goroutines other than the test's.
func (e *env) serve(method, path, user string, body []byte) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		req.Header.Set(actorHeader, user)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// stripeEvent renders an event envelope the way Stripe sends it.
func stripeEvent(t *testing.T, id, eventType string, object map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"created":     time.Date(2026, 9, 1, 0, 0, 5, 0, time.UTC).Unix(),
		"api_version": stripe.APIVersion,
		"livemode":    false,
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return b
}

func (e *env) deliver(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	return e.deliverWithHeader(t, signed.Payload, signed.Header)
}

func (e *env) deliverWithHeader(t *testing.T, payload []byte, header string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook", bytes.NewReader(payload))
	if header != "" {
		req.Header.Set("Stripe-Signature", header)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func subscriptionObject(subID, status, price string, start, end time.Time) map[string]any {
	return map[string]any{
		"id":       subID,
		"object":   "subscription",
		"customer": testCustomerID,
		"status":   status,
		"metadata": map[string]string{external.MetadataUserID: testUserID},
		"items": map[string]any{"data": []any{map[string]any{
			"current_period_start": start.Unix(),
			"current_period_end":   end.Unix(),
			"price":                map[string]any{"id": price},
		}}},
	}
}

func invoiceObject(subID string, start, end time.Time) map[string]any {
	return map[string]any{
		"id":       "in_test",
		"object":   "invoice",
		"customer": testCustomerID,
		"parent": map[string]any{"subscription_details": map[string]any{
			"subscription": subID,
			"metadata":     map[string]string{external.MetadataUserID: testUserID},
		}},
		"lines": map[string]any{"data": []any{map[string]any{
			"period": map[string]any{"start": start.Unix(), "end": end.Unix()},
		}}},
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) core.ErrorDetail {
	t.Helper()
	var env core.APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not an error envelope: %v; body=%s", err, rec.Body.String())
	}
	return env.Error
}

var (
	periodOneStart = time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	periodOneEnd   = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	periodTwoEnd   = time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
)
