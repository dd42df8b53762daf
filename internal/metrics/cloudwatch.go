package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"sponsorscout/internal/types"
)

// Metric and dimension names published to CloudWatch.
const (
	MetricUsageRecorded    = "UsageRecorded"
	MetricUsageRejected    = "UsageRejected"
	MetricWebhookProcessed = "WebhookProcessed"
	MetricHTTPRequest      = "HTTPRequest"
	MetricHTTPLatency      = "HTTPRequestLatency"

	DimPlan      = "Plan"
	DimReason    = "Reason"
	DimEventType = "EventType"
	DimOutcome   = "Outcome"
	DimRoute     = "Route"
	DimStatus    = "StatusClass"
)

const (
	defaultFlushInterval = 30 * time.Second
	// PutMetricData accepts at most 1000 datums per call.
	maxDatumsPerCall = 1000
	maxBuffered      = 10 * maxDatumsPerCall
)

// CloudWatchClient abstracts PutMetricData for tests.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatch buffers datums in memory and publishes them from Run. Recorder
// calls never block on the network.
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
	dropped int
}

func NewCloudWatch(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatch {
	if logger == nil {
		logger = slog.Default()
	}
	if namespace == "" {
		namespace = "SponsorScout"
	}
	return &CloudWatch{
		client:    client,
		namespace: namespace,
		logger:    logger,
		now:       time.Now,
	}
}

func (c *CloudWatch) UsageRecorded(plan types.PlanID) {
	c.count(MetricUsageRecorded, dim(DimPlan, string(plan)))
}

func (c *CloudWatch) UsageRejected(reason string) {
	c.count(MetricUsageRejected, dim(DimReason, reason))
}

func (c *CloudWatch) WebhookProcessed(eventType, outcome string) {
	c.count(MetricWebhookProcessed, dim(DimEventType, eventType), dim(DimOutcome, outcome))
}

func (c *CloudWatch) HTTPRequest(method, route string, status int, d time.Duration) {
	r := dim(DimRoute, method+" "+route)
	c.count(MetricHTTPRequest, r, dim(DimStatus, statusClass(status)))
	c.add(cwtypes.MetricDatum{
		MetricName: aws.String(MetricHTTPLatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Timestamp:  aws.Time(c.now()),
		Dimensions: []cwtypes.Dimension{r},
	})
}

func (c *CloudWatch) count(name string, dims ...cwtypes.Dimension) {
	c.add(cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  aws.Time(c.now()),
		Dimensions: dims,
	})
}

func (c *CloudWatch) add(d cwtypes.MetricDatum) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) >= maxBuffered {
		c.dropped++
		return
	}
	c.pending = append(c.pending, d)
}

// Run flushes every interval until ctx is done, then flushes once more.
func (c *CloudWatch) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			c.Flush(ctx)
		}
	}
}

// Flush publishes buffered datums in chunks. A failed chunk is logged and
// discarded.
func (c *CloudWatch) Flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.pending
	dropped := c.dropped
	c.pending = nil
	c.dropped = 0
	c.mu.Unlock()

	if dropped > 0 {
		c.logger.WarnContext(ctx, "metric buffer full, datums dropped", "dropped", dropped)
	}
	for start := 0; start < len(batch); start += maxDatumsPerCall {
		end := min(start+maxDatumsPerCall, len(batch))
		_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: batch[start:end],
		})
		if err != nil {
			c.logger.ErrorContext(ctx, "failed to publish metrics",
				"error", err,
				"datums", end-start,
			)
		}
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
