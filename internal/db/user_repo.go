package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/types"
)

// UserRepository resolves application users for checkout and reconciliation.
type UserRepository struct {
	db DBTX
}

var _ billing.UserDirectory = (*UserRepository)(nil)

func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, COALESCE(processor_customer_ref, ''), created_at`

// Create inserts a user; an existing id is left untouched.
func (r *UserRepository) Create(ctx context.Context, u *types.User) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, email, processor_customer_ref, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Email, nullable(u.ProcessorCustomerRef), u.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create user", err)
	}
	return nil
}

// Get returns (nil, nil) when the user does not exist.
func (r *UserRepository) Get(ctx context.Context, userID string) (*types.User, error) {
	row := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	return optionalUser(row, "failed to retrieve user")
}

func (r *UserRepository) FindByCustomerRef(ctx context.Context, customerRef string) (*types.User, error) {
	row := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE processor_customer_ref = $1`, customerRef)
	return optionalUser(row, "failed to retrieve user by customer")
}

func (r *UserRepository) SetCustomerRef(ctx context.Context, userID, customerRef string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET processor_customer_ref = $2 WHERE id = $1`,
		userID, customerRef,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to link processor customer", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

func optionalUser(row pgx.Row, msg string) (*types.User, error) {
	var u types.User
	if err := row.Scan(&u.ID, &u.Email, &u.ProcessorCustomerRef, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, msg, err)
	}
	return &u, nil
}
