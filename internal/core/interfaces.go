package core

import (
	"context"
	"time"

	"sponsorscout/internal/types"
)

// Authenticator resolves a bearer token to the calling actor. It returns an
// *types.AppError with an auth_ code for unknown or revoked tokens.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// HTTPMetrics records one observation per request. route is the chi pattern,
// not the raw path.
type HTTPMetrics interface {
	HTTPRequest(method, route string, status int, d time.Duration)
}

// HealthProbe checks one dependency.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}
