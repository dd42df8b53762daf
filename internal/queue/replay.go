package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/types"
)

var errInvalidEntry = errors.New("ledger entry is missing id or user")

// ReplayHandler re-appends queued ledger entries. Append is idempotent on the
// entry id, so redelivered messages are harmless.
type ReplayHandler struct {
	ledger billing.LedgerStore
	logger *slog.Logger
}

func NewReplayHandler(ledger billing.LedgerStore, logger *slog.Logger) *ReplayHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplayHandler{ledger: ledger, logger: logger}
}

// Handle processes a batch and reports only the messages that should be
// retried. Malformed bodies are acknowledged and logged.
func (h *ReplayHandler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range ev.Records {
		if err := h.replay(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "ledger replay failed",
				"message_id", record.MessageId,
				"error", err,
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp, nil
}

func (h *ReplayHandler) replay(ctx context.Context, record events.SQSMessage) error {
	var entry types.LedgerEntry
	if err := json.Unmarshal([]byte(record.Body), &entry); err != nil {
		h.logger.ErrorContext(ctx, "dropping unreadable ledger message",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}
	if entry.ID == "" || entry.UserID == "" {
		h.logger.ErrorContext(ctx, "dropping ledger message",
			"message_id", record.MessageId,
			"error", errInvalidEntry,
		)
		return nil
	}

	exists, err := h.ledger.Exists(ctx, entry.ID)
	if err != nil {
		return err
	}
	if exists {
		h.logger.InfoContext(ctx, "ledger entry already present", "entry_id", entry.ID)
		return nil
	}
	if err := h.ledger.Append(ctx, entry); err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "ledger entry replayed",
		"entry_id", entry.ID,
		"user_id", entry.UserID,
		"billing_period_key", entry.BillingPeriodKey,
	)
	return nil
}
