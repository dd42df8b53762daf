package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sponsorscout/internal/types"
)

// Prometheus registers its collectors on a private registry so tests and
// multiple servers in one process do not collide.
type Prometheus struct {
	registry *prometheus.Registry

	usageRecorded    *prometheus.CounterVec
	usageRejected    *prometheus.CounterVec
	webhookProcessed *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "sponsorscout"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		usageRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "usage_recorded_total",
			Help:      "Units of work committed, by plan",
		}, []string{"plan"}),
		usageRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "usage_rejected_total",
			Help:      "Usage attempts refused, by reason",
		}, []string{"reason"}),
		webhookProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Processor webhook events, by type and outcome",
		}, []string{"event_type", "outcome"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (p *Prometheus) UsageRecorded(plan types.PlanID) {
	p.usageRecorded.WithLabelValues(string(plan)).Inc()
}

func (p *Prometheus) UsageRejected(reason string) {
	p.usageRejected.WithLabelValues(reason).Inc()
}

func (p *Prometheus) WebhookProcessed(eventType, outcome string) {
	p.webhookProcessed.WithLabelValues(eventType, outcome).Inc()
}

func (p *Prometheus) HTTPRequest(method, route string, status int, d time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
