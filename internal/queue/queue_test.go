package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"sponsorscout/internal/db/memstore"
	"sponsorscout/internal/types"
)

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/ledger-replay"

type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

func testEntry(id string) types.LedgerEntry {
	return types.LedgerEntry{
		ID:               id,
		UserID:           "usr_1",
		SubscriptionID:   "sub_1",
		WorkDescription:  "sponsor search: climbing gyms",
		ConsumedAt:       time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC),
		BillingPeriodKey: "2026-04",
	}
}

func TestEnqueue_SendsEntryJSON(t *testing.T) {
	mock := &mockSQSSender{}
	p := NewLedgerPublisher(mock, testQueueURL, nil)

	if err := p.Enqueue(context.Background(), testEntry("led_1")); err != nil {
		t.Fatalf("Enqueue returned unexpected error: %v", err)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}

	call := mock.calls[0]
	if *call.QueueUrl != testQueueURL {
		t.Errorf("expected queue URL %q, got %q", testQueueURL, *call.QueueUrl)
	}

	var got types.LedgerEntry
	if err := json.Unmarshal([]byte(*call.MessageBody), &got); err != nil {
		t.Fatalf("body is not a ledger entry: %v", err)
	}
	want := testEntry("led_1")
	if got.ID != want.ID || got.SubscriptionID != want.SubscriptionID || !got.ConsumedAt.Equal(want.ConsumedAt) {
		t.Errorf("body mismatch: got %+v, want %+v", got, want)
	}
	if v := *call.MessageAttributes[AttrPeriod].StringValue; v != "2026-04" {
		t.Errorf("expected period attribute 2026-04, got %q", v)
	}
}

func TestEnqueue_WrapsSendError(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("AccessDenied")}
	p := NewLedgerPublisher(mock, testQueueURL, nil)

	err := p.Enqueue(context.Background(), testEntry("led_1"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "led_1") || !strings.Contains(err.Error(), "AccessDenied") {
		t.Errorf("error should name the entry and cause, got %q", err)
	}
}

type failingLedger struct {
	*memstore.Ledger
	failID string
}

func (f *failingLedger) Append(ctx context.Context, e types.LedgerEntry) error {
	if e.ID == f.failID {
		return errors.New("connection reset")
	}
	return f.Ledger.Append(ctx, e)
}

func message(id string, body any) events.SQSMessage {
	b, _ := json.Marshal(body)
	return events.SQSMessage{MessageId: id, Body: string(b)}
}

func TestReplayHandler(t *testing.T) {
	ledger := memstore.NewLedger()
	ctx := context.Background()
	if err := ledger.Append(ctx, testEntry("led_existing")); err != nil {
		t.Fatal(err)
	}
	h := NewReplayHandler(&failingLedger{Ledger: ledger, failID: "led_broken"}, nil)

	resp, err := h.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{
		message("m1", testEntry("led_new")),
		message("m2", testEntry("led_existing")),
		message("m3", testEntry("led_broken")),
		{MessageId: "m4", Body: "{not json"},
		message("m5", types.LedgerEntry{WorkDescription: "no ids"}),
	}})
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}

	if len(resp.BatchItemFailures) != 1 || resp.BatchItemFailures[0].ItemIdentifier != "m3" {
		t.Errorf("expected only m3 to be retried, got %+v", resp.BatchItemFailures)
	}
	if ok, _ := ledger.Exists(ctx, "led_new"); !ok {
		t.Error("led_new was not appended")
	}
	if n := ledger.Len(); n != 2 {
		t.Errorf("expected 2 ledger entries, got %d", n)
	}
}

func TestReplayHandler_RedeliveryIsIdempotent(t *testing.T) {
	ledger := memstore.NewLedger()
	h := NewReplayHandler(ledger, nil)
	ev := events.SQSEvent{Records: []events.SQSMessage{message("m1", testEntry("led_1"))}}

	for range 3 {
		if _, err := h.Handle(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
	if n := ledger.Len(); n != 1 {
		t.Errorf("expected exactly one entry after redelivery, got %d", n)
	}
}
