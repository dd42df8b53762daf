package memstore

import (
	"context"
	"sync"
	"time"

	"sponsorscout/internal/types"
)

// APIKeys implements auth.KeyStore.
type APIKeys struct {
	mu   sync.Mutex
	keys map[string]types.APIKey
}

func NewAPIKeys() *APIKeys {
	return &APIKeys{keys: make(map[string]types.APIKey)}
}

func (a *APIKeys) Create(_ context.Context, k *types.APIKey) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[k.ID] = *k
	return nil
}

func (a *APIKeys) GetByID(_ context.Context, id string) (*types.APIKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	k, ok := a.keys[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundAPIKey, "API key not found", nil)
	}
	return &k, nil
}

func (a *APIKeys) Revoke(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	k, ok := a.keys[id]
	if !ok || k.RevokedAt != nil {
		return types.NewAppError(types.ErrCodeNotFoundAPIKey, "API key not found or already revoked", nil)
	}
	now := time.Now().UTC()
	k.RevokedAt = &now
	a.keys[id] = k
	return nil
}

func (a *APIKeys) TouchLastUsed(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if k, ok := a.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
		a.keys[id] = k
	}
	return nil
}

// WebhookEvents implements the processed-event dedupe set.
type WebhookEvents struct {
	mu   sync.Mutex
	seen map[string]string
}

func NewWebhookEvents() *WebhookEvents {
	return &WebhookEvents{seen: make(map[string]string)}
}

func (w *WebhookEvents) Processed(_ context.Context, eventID string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[eventID]
	return ok, nil
}

func (w *WebhookEvents) MarkProcessed(_ context.Context, eventID, eventType string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen[eventID] = eventType
	return nil
}
