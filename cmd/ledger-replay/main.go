// Package main is the ledger replay Lambda. It consumes the SQS queue that
// the usage recorder writes to when a ledger append fails after consumption
// was committed, and re-appends each entry.
//
// Cold start:
//  1. Initialize the structured logger.
//  2. Resolve SSM-backed secrets and load the store configuration.
//  3. Open the store backend.
//  4. Register the handler and call lambda.Start.
//
// Messages that fail are returned in batchItemFailures so SQS redelivers only
// those; Append is idempotent on entry id.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"sponsorscout/internal/config"
	"sponsorscout/internal/db"
	"sponsorscout/internal/queue"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("ledger replay Lambda initializing (cold start)")

	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	var storeCfg config.StoreConfig
	if err := config.LoadSections(provider, &storeCfg); err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	handler, _, err := newHandler(ctx, storeCfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to initialize handler", "error", err)
		os.Exit(1)
	}

	lambda.Start(handler.Handle)
}

// newHandler opens the ledger store and builds the replay handler. The
// returned Stores stay open for the life of the sandbox.
func newHandler(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*queue.ReplayHandler, *db.Stores, error) {
	stores, err := db.OpenStores(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening stores: %w", err)
	}
	return queue.NewReplayHandler(stores.Ledger, logger.With("component", "ledger_replay")), stores, nil
}
