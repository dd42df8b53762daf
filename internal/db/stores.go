package db

import (
	"context"
	"fmt"
	"log/slog"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/config"
	"sponsorscout/internal/db/memstore"
	"sponsorscout/internal/db/mongostore"
	"sponsorscout/internal/types"
)

// UserStore is billing.UserDirectory plus provisioning.
type UserStore interface {
	billing.UserDirectory
	Create(ctx context.Context, u *types.User) error
}

// APIKeyStore persists hashed API keys.
type APIKeyStore interface {
	Create(ctx context.Context, k *types.APIKey) error
	GetByID(ctx context.Context, id string) (*types.APIKey, error)
	Revoke(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, id string) error
}

// WebhookEventStore remembers applied processor event ids.
type WebhookEventStore interface {
	Processed(ctx context.Context, eventID string) (bool, error)
	MarkProcessed(ctx context.Context, eventID, eventType string) error
}

// Stores is one backend's set of stores, selected by STORE_DRIVER.
type Stores struct {
	Driver        string
	Subscriptions billing.SubscriptionStore
	Ledger        billing.LedgerStore
	Users         UserStore
	APIKeys       APIKeyStore
	WebhookEvents WebhookEventStore

	migrate func(ctx context.Context) error
	ping    func(ctx context.Context) error
	close   func(ctx context.Context) error
}

// OpenStores connects the configured backend. The memory driver keeps state
// for the life of the process only.
func OpenStores(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*Stores, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := Open(ctx, cfg.DatabaseURL.Unmask(), PoolConfig{
			MaxConns:        cfg.MaxConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return &Stores{
			Driver:        cfg.Driver,
			Subscriptions: NewSubscriptionRepo(pool, logger),
			Ledger:        NewLedgerRepo(pool),
			Users:         NewUserRepository(pool),
			APIKeys:       NewAPIKeyRepository(pool),
			WebhookEvents: NewWebhookEventRepo(pool),
			migrate:       func(ctx context.Context) error { return Migrate(ctx, pool) },
			ping:          pool.Ping,
			close: func(context.Context) error {
				pool.Close()
				return nil
			},
		}, nil

	case config.DriverMongo:
		ms, err := mongostore.Connect(ctx, cfg.MongoURI.Unmask(), cfg.MongoDatabase, cfg.MongoTimeout)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Driver:        cfg.Driver,
			Subscriptions: ms.Subscriptions(),
			Ledger:        ms.Ledger(),
			Users:         ms.Users(),
			APIKeys:       ms.APIKeys(),
			WebhookEvents: ms.WebhookEvents(),
			migrate:       ms.Migrate,
			ping:          ms.Ping,
			close:         ms.Close,
		}, nil

	case config.DriverMemory:
		logger.Warn("using in-memory stores; state is lost on exit")
		mem := memstore.New()
		noop := func(context.Context) error { return nil }
		return &Stores{
			Driver:        cfg.Driver,
			Subscriptions: mem,
			Ledger:        memstore.NewLedger(),
			Users:         mem.Users(),
			APIKeys:       memstore.NewAPIKeys(),
			WebhookEvents: memstore.NewWebhookEvents(),
			migrate:       noop,
			ping:          noop,
			close:         noop,
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// Migrate applies the schema or indexes. It is safe to run repeatedly.
func (s *Stores) Migrate(ctx context.Context) error { return s.migrate(ctx) }

func (s *Stores) Ping(ctx context.Context) error { return s.ping(ctx) }

func (s *Stores) Close(ctx context.Context) error { return s.close(ctx) }
