// Package queue carries ledger entries whose append failed through SQS so a
// worker can re-append them later.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/types"
)

// Message attribute names.
const (
	AttrUserID = "user_id"
	AttrPeriod = "billing_period_key"
)

// SQSSender abstracts SendMessage for tests.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// LedgerPublisher implements billing.LedgerOutbox on an SQS queue. The
// message body is the JSON ledger entry.
type LedgerPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

var _ billing.LedgerOutbox = (*LedgerPublisher)(nil)

func NewLedgerPublisher(client SQSSender, queueURL string, logger *slog.Logger) *LedgerPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerPublisher{client: client, queueURL: queueURL, logger: logger}
}

func (p *LedgerPublisher) Enqueue(ctx context.Context, entry types.LedgerEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ledger entry: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			AttrUserID: {DataType: aws.String("String"), StringValue: aws.String(entry.UserID)},
			AttrPeriod: {DataType: aws.String("String"), StringValue: aws.String(entry.BillingPeriodKey)},
		},
	})
	if err != nil {
		return fmt.Errorf("queue: failed to send ledger entry %s to %s: %w", entry.ID, p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "ledger entry queued for replay",
		"entry_id", entry.ID,
		"user_id", entry.UserID,
		"billing_period_key", entry.BillingPeriodKey,
	)
	return nil
}
