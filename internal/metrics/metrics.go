// Package metrics provides the billing and HTTP counters behind one Recorder
// interface, with Prometheus, CloudWatch and no-op backends.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/config"
	"sponsorscout/internal/core"
	"sponsorscout/internal/types"
)

// Webhook outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeRetry     = "retry"
)

// Recorder is everything the service reports.
type Recorder interface {
	billing.Metrics
	core.HTTPMetrics
}

var (
	_ Recorder = Noop{}
	_ Recorder = (*Prometheus)(nil)
	_ Recorder = (*CloudWatch)(nil)
)

// Noop discards everything.
type Noop struct{}

func (Noop) UsageRecorded(types.PlanID)                     {}
func (Noop) UsageRejected(string)                           {}
func (Noop) WebhookProcessed(string, string)                {}
func (Noop) HTTPRequest(string, string, int, time.Duration) {}

// Backend is a constructed Recorder plus the optional /metrics handler and
// the flush loop for buffered backends.
type Backend struct {
	Recorder Recorder
	Handler  http.Handler
	// Flusher is non-nil for CloudWatch; the caller runs it until shutdown.
	Flusher *CloudWatch
}

// New picks the backend named by cfg.MetricsBackend. cw may be nil unless the
// CloudWatch backend is selected.
func New(cfg config.ObservabilityConfig, cw CloudWatchClient, logger *slog.Logger) (Backend, error) {
	switch cfg.MetricsBackend {
	case config.MetricsPrometheus:
		p := NewPrometheus(cfg.MetricNamespace)
		return Backend{Recorder: p, Handler: p.Handler()}, nil
	case config.MetricsCloudWatch:
		if cw == nil {
			return Backend{}, fmt.Errorf("metrics: cloudwatch backend needs a client")
		}
		c := NewCloudWatch(cw, cfg.MetricNamespace, logger)
		return Backend{Recorder: c, Flusher: c}, nil
	case config.MetricsNone, "":
		return Backend{Recorder: Noop{}}, nil
	default:
		return Backend{}, fmt.Errorf("metrics: unknown backend %q", cfg.MetricsBackend)
	}
}

func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}
