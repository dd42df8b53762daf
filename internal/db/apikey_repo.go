package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"sponsorscout/internal/types"
)

// APIKeyRepository provides data access for the api_keys table. Only bcrypt
// hashes of key secrets are stored.
type APIKeyRepository struct {
	db DBTX
}

func NewAPIKeyRepository(db DBTX) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeyColumns = `id, user_id, key_hash, created_at, revoked_at, last_used_at`

func (r *APIKeyRepository) Create(ctx context.Context, k *types.APIKey) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, key_hash, created_at) VALUES ($1, $2, $3, $4)`,
		k.ID, k.UserID, k.KeyHash, k.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create API key", err)
	}
	return nil
}

// GetByID returns a not_found AppError when the key does not exist.
func (r *APIKeyRepository) GetByID(ctx context.Context, id string) (*types.APIKey, error) {
	var k types.APIKey
	err := r.db.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1`, id,
	).Scan(&k.ID, &k.UserID, &k.KeyHash, &k.CreatedAt, &k.RevokedAt, &k.LastUsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAPIKey, "API key not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve API key", err)
	}
	return &k, nil
}

func (r *APIKeyRepository) Revoke(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to revoke API key", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAPIKey, "API key not found or already revoked", nil)
	}
	return nil
}

// TouchLastUsed is best effort bookkeeping for the auth middleware.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update API key usage", err)
	}
	return nil
}
