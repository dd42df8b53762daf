// Package auth issues and verifies bearer API keys. A key has the form
// ssk_<key id>_<secret>; only a bcrypt hash of the secret is stored.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"sponsorscout/internal/types"
)

// KeyPrefix starts every issued API key.
const KeyPrefix = "ssk_"

const (
	secretBytes       = 24
	defaultBcryptCost = 12
	touchTimeout      = 2 * time.Second
)

// KeyStore is the persistence the key service needs.
type KeyStore interface {
	Create(ctx context.Context, k *types.APIKey) error
	GetByID(ctx context.Context, id string) (*types.APIKey, error)
	TouchLastUsed(ctx context.Context, id string) error
}

// SecretHasher abstracts bcrypt for tests that need a cheap cost.
type SecretHasher interface {
	Hash(secret string) (string, error)
	Compare(hash, secret string) error
}

type bcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a hasher with the given cost; values outside the
// bcrypt range fall back to cost 12.
func NewBcryptHasher(cost int) SecretHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = defaultBcryptCost
	}
	return bcryptHasher{cost: cost}
}

func (b bcryptHasher) Hash(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), b.cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func (b bcryptHasher) Compare(hash, secret string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
}

// KeyService implements core.Authenticator over a KeyStore.
type KeyService struct {
	store  KeyStore
	hasher SecretHasher
	clock  types.Clock
	logger *slog.Logger
}

func NewKeyService(store KeyStore, hasher SecretHasher, clock types.Clock, logger *slog.Logger) *KeyService {
	if hasher == nil {
		hasher = NewBcryptHasher(defaultBcryptCost)
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyService{store: store, hasher: hasher, clock: clock, logger: logger}
}

// Issue creates a key for userID and returns the plaintext once. The
// plaintext cannot be recovered later.
func (s *KeyService) Issue(ctx context.Context, userID string) (types.SecretString, *types.APIKey, error) {
	if userID == "" {
		return "", nil, types.NewAppError(types.ErrCodeValidationMissingField, "user id is required", nil)
	}
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate key secret", err)
	}
	secret := hex.EncodeToString(buf)

	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return "", nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash key secret", err)
	}

	key := &types.APIKey{
		ID:        types.NewID(types.PrefixAPIKey),
		UserID:    userID,
		KeyHash:   hash,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return types.SecretString(KeyPrefix + key.ID + "_" + secret), key, nil
}

// ResolveToken verifies token and returns the owning user as an Actor.
// Unknown, malformed and mismatched keys all yield auth_token_invalid so the
// response does not reveal which part failed.
func (s *KeyService) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	id, secret, ok := ParseKey(token)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "malformed API key", nil)
	}

	key, err := s.store.GetByID(ctx, id)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundAPIKey {
			return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "unknown API key", nil)
		}
		return nil, err
	}
	if err := s.hasher.Compare(key.KeyHash, secret); err != nil {
		s.logger.WarnContext(ctx, "api key secret mismatch", "key_id", id)
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "unknown API key", nil)
	}
	if key.RevokedAt != nil {
		return nil, types.NewAppError(types.ErrCodeAuthTokenRevoked, "API key has been revoked", nil)
	}

	s.touch(ctx, key.ID)
	return &types.Actor{
		UserID: key.UserID,
		KeyID:  key.ID,
		Type:   types.ActorTypeUser,
		Source: "api_key",
	}, nil
}

func (s *KeyService) touch(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()
	if err := s.store.TouchLastUsed(ctx, id); err != nil {
		s.logger.WarnContext(ctx, "failed to record api key use", "key_id", id, "error", err)
	}
}

// ParseKey splits ssk_<id>_<secret>. Key ids contain an underscore of their
// own, so the secret is whatever follows the last one.
func ParseKey(token string) (id, secret string, ok bool) {
	rest, found := strings.CutPrefix(token, KeyPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	id, secret = rest[:i], rest[i+1:]
	if !types.HasPrefix(id, types.PrefixAPIKey) {
		return "", "", false
	}
	return id, secret, true
}
