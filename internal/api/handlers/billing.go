package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/core"
	"sponsorscout/internal/external"
	"sponsorscout/internal/types"
)

// EntitlementEvaluator answers whether a user may start work.
type EntitlementEvaluator interface {
	Evaluate(ctx context.Context, userID string) (billing.EntitlementResult, error)
}

// UsageRecorder commits one unit of work.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, userID, workDescription string) (*billing.UsageResult, error)
}

// LedgerReader lists a user's committed work.
type LedgerReader interface {
	ListForUser(ctx context.Context, userID, periodKey string) ([]types.LedgerEntry, error)
}

// CheckoutDefaults are used when the request omits its redirect URLs.
type CheckoutDefaults struct {
	SuccessURL string
	CancelURL  string
}

type BillingHandler struct {
	evaluator EntitlementEvaluator
	recorder  UsageRecorder
	ledger    LedgerReader
	catalog   billing.PlanCatalog
	payments  external.PaymentProcessor
	validator *core.Validator
	defaults  CheckoutDefaults
	clock     types.Clock
	logger    *slog.Logger
}

func NewBillingHandler(
	evaluator EntitlementEvaluator,
	recorder UsageRecorder,
	ledger LedgerReader,
	catalog billing.PlanCatalog,
	payments external.PaymentProcessor,
	validator *core.Validator,
	defaults CheckoutDefaults,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = core.NewValidator()
	}
	if catalog == nil {
		catalog = billing.DefaultPlanCatalog()
	}
	return &BillingHandler{
		evaluator: evaluator,
		recorder:  recorder,
		ledger:    ledger,
		catalog:   catalog,
		payments:  payments,
		validator: validator,
		defaults:  defaults,
		clock:     types.RealClock{},
		logger:    logger,
	}
}

func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Get("/plans", h.ListPlans)
		r.Group(func(r chi.Router) {
			r.Use(core.RequireActor)
			r.Post("/checkout", h.CreateCheckout)
			r.Get("/entitlement", h.GetEntitlement)
			r.Post("/usage", h.RecordUsage)
			r.Get("/usage", h.GetUsage)
		})
	})
}

type checkoutRequest struct {
	UserID     string       `json:"userId" validate:"required"`
	PlanID     types.PlanID `json:"planId" validate:"required,planid"`
	SuccessURL string       `json:"successUrl,omitempty" validate:"omitempty,url"`
	CancelURL  string       `json:"cancelUrl,omitempty" validate:"omitempty,url"`
}

// CreateCheckout handles POST /v1/billing/checkout.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	actor, _ := types.GetActor(r.Context())
	if actor.UserID != req.UserID {
		core.Error(w, r, types.NewAppError(types.ErrCodePermissionUserMismatch,
			"userId does not match the authenticated user", nil))
		return
	}

	plan, ok := h.catalog.Get(req.PlanID)
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPlan, "unknown plan "+string(req.PlanID), nil))
		return
	}

	session, err := h.payments.CreateCheckoutSession(r.Context(), external.CheckoutRequest{
		UserID:     req.UserID,
		Plan:       plan,
		SuccessURL: firstNonEmpty(req.SuccessURL, h.defaults.SuccessURL),
		CancelURL:  firstNonEmpty(req.CancelURL, h.defaults.CancelURL),
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "checkout session creation failed",
			"user_id", req.UserID,
			"plan_id", req.PlanID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "checkout session created",
		"user_id", req.UserID,
		"plan_id", req.PlanID,
		"session_id", session.ID,
	)
	core.JSON(w, r, http.StatusOK, session)
}

type entitlementResponse struct {
	Allowed        bool         `json:"allowed"`
	RemainingUnits int          `json:"remainingUnits"`
	Reason         string       `json:"reason,omitempty"`
	PlanID         types.PlanID `json:"planId,omitempty"`
	Status         string       `json:"status,omitempty"`
	PeriodEnd      string       `json:"currentPeriodEnd,omitempty"`
}

func toEntitlementResponse(res billing.EntitlementResult) entitlementResponse {
	out := entitlementResponse{
		Allowed:        res.Allowed,
		RemainingUnits: res.RemainingUnits,
		Reason:         res.Reason,
	}
	if rec := res.Record; rec != nil {
		out.PlanID = rec.PlanID
		out.Status = string(rec.Status)
		if rec.CurrentPeriodEnd != nil {
			out.PeriodEnd = rec.CurrentPeriodEnd.UTC().Format("2006-01-02T15:04:05Z")
		}
	}
	return out
}

// GetEntitlement handles GET /v1/billing/entitlement.
func (h *BillingHandler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	actor, _ := types.GetActor(r.Context())
	res, err := h.evaluator.Evaluate(r.Context(), actor.UserID)
	if err != nil {
		core.Error(w, r, billingError(err))
		return
	}
	core.JSON(w, r, http.StatusOK, toEntitlementResponse(res))
}

type usageRequest struct {
	WorkDescription string `json:"workDescription" validate:"required,max=500"`
}

type usageResponse struct {
	LedgerEntryID    string       `json:"ledgerEntryId"`
	PlanID           types.PlanID `json:"planId"`
	RemainingUnits   int          `json:"remainingUnits"`
	BillingPeriodKey string       `json:"billingPeriodKey"`
}

// RecordUsage handles POST /v1/billing/usage.
func (h *BillingHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	actor, _ := types.GetActor(r.Context())

	res, err := h.recorder.RecordUsage(r.Context(), actor.UserID, req.WorkDescription)
	if err != nil {
		core.Error(w, r, billingError(err))
		return
	}
	core.JSON(w, r, http.StatusCreated, usageResponse{
		LedgerEntryID:    res.Entry.ID,
		PlanID:           res.Record.PlanID,
		RemainingUnits:   res.Record.Remaining(),
		BillingPeriodKey: res.Entry.BillingPeriodKey,
	})
}

type usageHistoryQuery struct {
	Period string `json:"period" validate:"omitempty,period"`
}

type usageHistoryResponse struct {
	Period      string              `json:"period"`
	Entries     []types.LedgerEntry `json:"entries"`
	Entitlement entitlementResponse `json:"entitlement"`
}

// GetUsage handles GET /v1/billing/usage?period=YYYY-MM. The period defaults
// to the current calendar month.
func (h *BillingHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	q := usageHistoryQuery{Period: strings.TrimSpace(r.URL.Query().Get("period"))}
	if err := h.validator.ValidateStruct(q); err != nil {
		core.Error(w, r, err)
		return
	}
	if q.Period == "" {
		q.Period = billing.PeriodKey(h.clock.Now())
	}
	actor, _ := types.GetActor(r.Context())

	var (
		entries []types.LedgerEntry
		ent     billing.EntitlementResult
	)
	g, gctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		entries, err = h.ledger.ListForUser(gctx, actor.UserID, q.Period)
		return err
	})
	g.Go(func() error {
		var err error
		ent, err = h.evaluator.Evaluate(gctx, actor.UserID)
		return err
	})
	if err := g.Wait(); err != nil {
		h.logger.ErrorContext(r.Context(), "usage history lookup failed", "user_id", actor.UserID, "error", err)
		core.Error(w, r, billingError(err))
		return
	}
	if entries == nil {
		entries = []types.LedgerEntry{}
	}
	core.JSON(w, r, http.StatusOK, usageHistoryResponse{
		Period:      q.Period,
		Entries:     entries,
		Entitlement: toEntitlementResponse(ent),
	})
}

type plansResponse struct {
	Plans []billing.Plan `json:"plans"`
}

// ListPlans handles GET /v1/billing/plans.
func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, plansResponse{Plans: h.catalog.All()})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
