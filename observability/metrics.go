package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
)

type httpMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpRegistry    *httpMetrics

	orchestratorMetricsOnce sync.Once
	orchestratorRegistry    *OrchestratorMetrics
)

// HTTP returns the lazily-initialised registry recording API activity.
func HTTP() *httpMetrics {
	httpMetricsOnce.Do(func() {
		httpRegistry = &httpMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "http",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gasrelay",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "http",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the ingress limiter.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			httpRegistry.requests,
			httpRegistry.errors,
			httpRegistry.latency,
			httpRegistry.throttles,
		)
	})
	return httpRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *httpMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *httpMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// OrchestratorMetrics wraps collectors tracking admission, execution and
// custody.
type OrchestratorMetrics struct {
	submissions   *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	executions    *prometheus.CounterVec
	execLatency   *prometheus.HistogramVec
	gasUsed       *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	staleRequests prometheus.Gauge
	custody       *prometheus.GaugeVec
	pauseEngaged  prometheus.Gauge
	settleErrors  *prometheus.CounterVec
}

// Orchestrator exposes the metrics registry for the orchestrator.
func Orchestrator() *OrchestratorMetrics {
	orchestratorMetricsOnce.Do(func() {
		orchestratorRegistry = &OrchestratorMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "orchestrator",
				Name:      "submissions_total",
				Help:      "Submitted requests segmented by network and outcome.",
			}, []string{"network", "outcome"}),
			rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "orchestrator",
				Name:      "rate_limited_total",
				Help:      "Admissions rejected by a rate limit segmented by scope, window and dimension.",
			}, []string{"scope", "window", "dimension"}),
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "orchestrator",
				Name:      "executions_total",
				Help:      "Terminal request outcomes segmented by network and status.",
			}, []string{"network", "status"}),
			execLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "gasrelay",
				Subsystem: "orchestrator",
				Name:      "execution_duration_seconds",
				Help:      "Latency distribution of target invocations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"network"}),
			gasUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "orchestrator",
				Name:      "gas_used_total",
				Help:      "Gas charged for executed and failed requests.",
			}, []string{"network"}),
			queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "gasrelay",
				Subsystem: "orchestrator",
				Name:      "queue_depth",
				Help:      "Admitted requests waiting for execution per priority tier.",
			}, []string{"priority"}),
			staleRequests: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gasrelay",
				Subsystem: "orchestrator",
				Name:      "stale_requests",
				Help:      "Admitted requests older than the execution timeout.",
			}),
			custody: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "gasrelay",
				Subsystem: "orchestrator",
				Name:      "custody_balance",
				Help:      "Funds held in custody per asset and bucket (held, burned).",
			}, []string{"asset", "bucket"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "gasrelay",
				Subsystem: "orchestrator",
				Name:      "pause_engaged",
				Help:      "Indicates whether the orchestrator pause guard is active (1) or not (0).",
			}),
			settleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "gasrelay",
				Subsystem: "orchestrator",
				Name:      "settlement_failures_total",
				Help:      "Settlements that could not be applied, by how the reservation was resolved.",
			}, []string{"resolution"}),
		}
		prometheus.MustRegister(
			orchestratorRegistry.submissions,
			orchestratorRegistry.rateLimited,
			orchestratorRegistry.executions,
			orchestratorRegistry.execLatency,
			orchestratorRegistry.gasUsed,
			orchestratorRegistry.queueDepth,
			orchestratorRegistry.staleRequests,
			orchestratorRegistry.custody,
			orchestratorRegistry.pauseEngaged,
			orchestratorRegistry.settleErrors,
		)
	})
	return orchestratorRegistry
}

// RecordSubmission counts an admission attempt. Outcome should be a stable
// label such as "admitted", "rate_limited" or "insufficient_balance".
func (m *OrchestratorMetrics) RecordSubmission(network uint64, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(labelNetwork(network), labelOrUnknown(outcome)).Inc()
}

// RecordRateLimit counts a rejection by the named limit.
func (m *OrchestratorMetrics) RecordRateLimit(scope, window, dimension string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(labelOrUnknown(scope), labelOrUnknown(window), labelOrUnknown(dimension)).Inc()
}

// RecordExecution records a terminal outcome.
func (m *OrchestratorMetrics) RecordExecution(network uint64, status string, gasUsed uint64, d time.Duration) {
	if m == nil {
		return
	}
	label := labelNetwork(network)
	m.executions.WithLabelValues(label, labelOrUnknown(status)).Inc()
	m.execLatency.WithLabelValues(label).Observe(d.Seconds())
	m.gasUsed.WithLabelValues(label).Add(float64(gasUsed))
}

// SetQueueDepth publishes the depth of a priority tier.
func (m *OrchestratorMetrics) SetQueueDepth(priority string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(labelOrUnknown(priority)).Set(float64(depth))
}

// SetStale publishes the number of stale admitted requests.
func (m *OrchestratorMetrics) SetStale(n int) {
	if m == nil {
		return
	}
	m.staleRequests.Set(float64(n))
}

// RecordCustody updates the custody gauges of an asset.
func (m *OrchestratorMetrics) RecordCustody(asset string, held, burned *uint256.Int) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.custody.WithLabelValues(label, "held").Set(u256ToFloat(held))
	m.custody.WithLabelValues(label, "burned").Set(u256ToFloat(burned))
}

// RecordSettlementFailure counts a failed settlement. Resolution is
// "released" when the reservation was returned to the user and "held" when
// it could not be.
func (m *OrchestratorMetrics) RecordSettlementFailure(resolution string) {
	if m == nil {
		return
	}
	m.settleErrors.WithLabelValues(labelOrUnknown(resolution)).Inc()
}

// SetPause toggles the pause gauge.
func (m *OrchestratorMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}

func labelNetwork(network uint64) string {
	return fmt.Sprintf("%d", network)
}

func labelOrUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unknown"
	}
	return v
}

func u256ToFloat(value *uint256.Int) float64 {
	if value == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(value.ToBig()).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
