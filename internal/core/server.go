// Package core is the HTTP chassis: the chi router, the middleware chain,
// the JSON envelopes and request validation. Domain handlers attach through
// V1RouteRegistrars so core never imports them.
package core

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"sponsorscout/internal/config"
)

// Server holds the dependencies shared by the middleware chain.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       HTTPMetrics
	Authenticator Authenticator
	HealthProbes  []HealthProbe

	// MetricsHandler, when set, is served on GET /metrics.
	MetricsHandler http.Handler

	// V1RouteRegistrars mount domain routes under /v1.
	V1RouteRegistrars []func(chi.Router)

	router *chi.Mux
}

func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Router() *chi.Mux { return s.router }
