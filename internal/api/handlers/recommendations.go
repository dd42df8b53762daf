package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"sponsorscout/internal/core"
	"sponsorscout/internal/recommend"
	"sponsorscout/internal/types"
)

// Recommender runs one billable recommendation.
type Recommender interface {
	Recommend(ctx context.Context, userID string, req recommend.Request) (*recommend.Result, error)
}

type RecommendationHandler struct {
	svc       Recommender
	validator *core.Validator
	logger    *slog.Logger
}

func NewRecommendationHandler(svc Recommender, validator *core.Validator, logger *slog.Logger) *RecommendationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = core.NewValidator()
	}
	return &RecommendationHandler{svc: svc, validator: validator, logger: logger}
}

func (h *RecommendationHandler) RegisterRoutes(r chi.Router) {
	r.With(core.RequireActor).Post("/recommendations", h.Create)
}

// Create handles POST /v1/recommendations.
func (h *RecommendationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req recommend.Request
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	actor, _ := types.GetActor(r.Context())

	res, err := h.svc.Recommend(r.Context(), actor.UserID, req)
	if err != nil {
		core.Error(w, r, billingError(err))
		return
	}
	core.JSON(w, r, http.StatusOK, res)
}
