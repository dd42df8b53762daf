package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sponsorscout/internal/config"
	"sponsorscout/internal/types"
)

type fakeCloudWatch struct {
	mu     sync.Mutex
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, f.err
}

func TestNew_SelectsBackend(t *testing.T) {
	b, err := New(config.ObservabilityConfig{MetricsBackend: config.MetricsPrometheus}, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Prometheus{}, b.Recorder)
	assert.NotNil(t, b.Handler)
	assert.Nil(t, b.Flusher)

	b, err = New(config.ObservabilityConfig{MetricsBackend: config.MetricsCloudWatch}, &fakeCloudWatch{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, b.Flusher)
	assert.Nil(t, b.Handler)

	_, err = New(config.ObservabilityConfig{MetricsBackend: config.MetricsCloudWatch}, nil, nil)
	assert.Error(t, err)

	b, err = New(config.ObservabilityConfig{MetricsBackend: config.MetricsNone}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Noop{}, b.Recorder)

	_, err = New(config.ObservabilityConfig{MetricsBackend: "statsd"}, nil, nil)
	assert.Error(t, err)
}

func TestPrometheus_Counters(t *testing.T) {
	p := NewPrometheus("test")
	p.UsageRecorded(types.PlanBasic)
	p.UsageRecorded(types.PlanBasic)
	p.UsageRejected("quota_exceeded")
	p.WebhookProcessed("invoice.payment_succeeded", OutcomeApplied)
	p.HTTPRequest(http.MethodPost, "/v1/billing/usage", http.StatusCreated, 12*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.usageRecorded.WithLabelValues("basic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.usageRejected.WithLabelValues("quota_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.webhookProcessed.WithLabelValues("invoice.payment_succeeded", OutcomeApplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.httpRequests.WithLabelValues(http.MethodPost, "/v1/billing/usage", "201")))
}

func TestPrometheus_Handler(t *testing.T) {
	p := NewPrometheus("test")
	p.UsageRecorded(types.PlanPro)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `test_billing_usage_recorded_total{plan="pro"} 1`)
}

func TestPrometheus_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheus("dup")
		NewPrometheus("dup")
	})
}

func TestCloudWatch_FlushBatches(t *testing.T) {
	client := &fakeCloudWatch{}
	cw := NewCloudWatch(client, "Test", nil)

	for range maxDatumsPerCall + 5 {
		cw.UsageRejected("no_entitlement")
	}
	cw.Flush(context.Background())

	require.Len(t, client.inputs, 2)
	assert.Equal(t, "Test", aws.ToString(client.inputs[0].Namespace))
	assert.Len(t, client.inputs[0].MetricData, maxDatumsPerCall)
	assert.Len(t, client.inputs[1].MetricData, 5)

	cw.Flush(context.Background())
	assert.Len(t, client.inputs, 2, "empty buffer publishes nothing")
}

func TestCloudWatch_HTTPRequestDimensions(t *testing.T) {
	client := &fakeCloudWatch{}
	cw := NewCloudWatch(client, "", nil)
	cw.HTTPRequest(http.MethodGet, "/v1/billing/entitlement", http.StatusPaymentRequired, 40*time.Millisecond)
	cw.Flush(context.Background())

	require.Len(t, client.inputs, 1)
	data := client.inputs[0].MetricData
	require.Len(t, data, 2)
	assert.Equal(t, MetricHTTPRequest, aws.ToString(data[0].MetricName))
	assert.Equal(t, "4xx", aws.ToString(data[0].Dimensions[1].Value))
	assert.Equal(t, MetricHTTPLatency, aws.ToString(data[1].MetricName))
	assert.Equal(t, 40.0, aws.ToFloat64(data[1].Value))
}

func TestCloudWatch_BufferBounded(t *testing.T) {
	client := &fakeCloudWatch{err: errors.New("throttled")}
	cw := NewCloudWatch(client, "Test", nil)
	for range maxBuffered + 10 {
		cw.UsageRecorded(types.PlanPro)
	}
	assert.Len(t, cw.pending, maxBuffered)
	assert.Equal(t, 10, cw.dropped)

	cw.Flush(context.Background())
	assert.Empty(t, cw.pending)
	assert.Zero(t, cw.dropped)
}

func TestCloudWatch_RunFlushesOnShutdown(t *testing.T) {
	client := &fakeCloudWatch{}
	cw := NewCloudWatch(client, "Test", nil)
	cw.WebhookProcessed("customer.subscription.deleted", OutcomeApplied)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cw.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()
	<-done

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.inputs, 1)
	assert.Equal(t, MetricWebhookProcessed, aws.ToString(client.inputs[0].MetricData[0].MetricName))
}
