package core

import (
	"errors"
	"net/http"
	"strings"

	"sponsorscout/internal/types"
)

// AuthMiddleware resolves the bearer token to a types.Actor for every path
// not listed in publicPaths. A nil Authenticator disables authentication.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Authenticator == nil || publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "a bearer API key is required", nil))
			return
		}

		actor, err := s.Authenticator.ResolveToken(r.Context(), token)
		if err != nil {
			var appErr *types.AppError
			if errors.As(err, &appErr) && appErr.HTTPStatus() == http.StatusUnauthorized {
				s.Logger.WarnContext(r.Context(), "authentication failed",
					"path", r.URL.Path,
					"code", appErr.Code,
				)
				Error(w, r, types.NewAppError(appErr.Code, "invalid API key", nil))
				return
			}
			s.Logger.ErrorContext(r.Context(), "token resolution failed", "error", err)
			Error(w, r, err)
			return
		}
		if actor == nil {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API key", nil))
			return
		}

		next.ServeHTTP(w, r.WithContext(types.WithActor(r.Context(), *actor)))
	})
}

// bearerToken extracts the token from "Bearer <token>", scheme case-insensitive.
func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequireActor rejects requests without a resolved actor.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := types.GetActor(r.Context()); !ok {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "authentication required", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
