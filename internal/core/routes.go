package core

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultRequestTimeout = 60 * time.Second

// Paths that bypass AuthMiddleware. The webhook authenticates by signature.
var publicPaths = map[string]bool{
	"/health":             true,
	"/metrics":            true,
	"/v1/billing/webhook": true,
	"/v1/billing/plans":   true,
}

var redactedHeaders = []string{"Authorization", "Cookie", "Stripe-Signature"}

// MountRoutes installs the middleware chain and all routes. Order:
// Recoverer, RequestID, timeout, security headers, logging, CORS, metrics, auth.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, redactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsOrigins()))
	s.router.Use(s.MetricsMiddleware)
	s.router.Use(s.AuthMiddleware)

	s.router.Get("/health", s.HandleHealth)
	if s.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}
	s.router.Route("/v1", func(r chi.Router) {
		for _, register := range s.V1RouteRegistrars {
			register(r)
		}
	})
	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		JSON(w, r, http.StatusNotFound, APIErrorResponse{Error: ErrorDetail{
			Code:    "not_found_route",
			Message: "no route for " + r.Method + " " + r.URL.Path,
		}})
	})
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.WriteTimeout > 0 {
		return s.Config.Server.WriteTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) corsOrigins() []string {
	if s.Config != nil && len(s.Config.Server.CorsOrigins) > 0 {
		return s.Config.Server.CorsOrigins
	}
	return []string{"*"}
}
