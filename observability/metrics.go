package observability

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	xcallMetricsOnce sync.Once
	xcallRegistry    *XCallMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record admin
// API activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xcall",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total admin API requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xcall",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total admin API errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "xcall",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for admin API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xcall",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of admin API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// XCallMetrics wraps collectors tracking cross-chain call lifecycles.
type XCallMetrics struct {
	phaseLatency   *prometheus.HistogramVec
	lifecycles     *prometheus.CounterVec
	pollIterations *prometheus.CounterVec
	pollTimeouts   *prometheus.CounterVec
	receiptTries   *prometheus.CounterVec
	policyTotal    prometheus.Gauge
	policyCap      prometheus.Gauge
}

// XCall exposes the metrics registry for the lifecycle controller.
func XCall() *XCallMetrics {
	xcallMetricsOnce.Do(func() {
		xcallRegistry = &XCallMetrics{
			phaseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "xcall",
				Subsystem: "lifecycle",
				Name:      "phase_duration_seconds",
				Help:      "Time spent reaching each lifecycle phase from the previous one.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
			}, []string{"phase"}),
			lifecycles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xcall",
				Subsystem: "lifecycle",
				Name:      "finished_total",
				Help:      "Count of finished lifecycles segmented by terminal phase and failed phase.",
			}, []string{"terminal", "failed_in"}),
			pollIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xcall",
				Subsystem: "waiter",
				Name:      "poll_iterations_total",
				Help:      "Event waiter polling iterations segmented by strategy and event.",
			}, []string{"strategy", "event"}),
			pollTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xcall",
				Subsystem: "waiter",
				Name:      "timeouts_total",
				Help:      "Event waits that exhausted their budget segmented by strategy and event.",
			}, []string{"strategy", "event"}),
			receiptTries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xcall",
				Subsystem: "receipts",
				Name:      "attempts_total",
				Help:      "Receipt lookups segmented by chain and outcome.",
			}, []string{"chain", "outcome"}),
			policyTotal: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "xcall",
				Subsystem: "policy",
				Name:      "total",
				Help:      "Accumulated total last read from the destination ledger.",
			}),
			policyCap: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "xcall",
				Subsystem: "policy",
				Name:      "cap",
				Help:      "Cap last read from the destination ledger.",
			}),
		}
		prometheus.MustRegister(
			xcallRegistry.phaseLatency,
			xcallRegistry.lifecycles,
			xcallRegistry.pollIterations,
			xcallRegistry.pollTimeouts,
			xcallRegistry.receiptTries,
			xcallRegistry.policyTotal,
			xcallRegistry.policyCap,
		)
	})
	return xcallRegistry
}

// ObservePhase records the time it took to reach phase.
func (m *XCallMetrics) ObservePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseLatency.WithLabelValues(label(phase)).Observe(d.Seconds())
}

// RecordFinished counts a lifecycle that reached a terminal phase. failedIn is
// empty for successful runs.
func (m *XCallMetrics) RecordFinished(terminal, failedIn string) {
	if m == nil {
		return
	}
	if strings.TrimSpace(failedIn) == "" {
		failedIn = "none"
	}
	m.lifecycles.WithLabelValues(label(terminal), failedIn).Inc()
}

// RecordPoll counts one waiter iteration.
func (m *XCallMetrics) RecordPoll(strategy, event string) {
	if m == nil {
		return
	}
	m.pollIterations.WithLabelValues(label(strategy), label(event)).Inc()
}

// RecordTimeout counts a waiter that gave up.
func (m *XCallMetrics) RecordTimeout(strategy, event string) {
	if m == nil {
		return
	}
	m.pollTimeouts.WithLabelValues(label(strategy), label(event)).Inc()
}

// RecordReceiptAttempt counts one receipt lookup. Outcomes should be stable
// strings such as "found", "pending" or "exhausted".
func (m *XCallMetrics) RecordReceiptAttempt(chain, outcome string) {
	if m == nil {
		return
	}
	m.receiptTries.WithLabelValues(label(chain), label(outcome)).Inc()
}

// RecordPolicy publishes the last observed policy state.
func (m *XCallMetrics) RecordPolicy(total, cap *big.Int) {
	if m == nil {
		return
	}
	m.policyTotal.Set(bigToFloat(total))
	m.policyCap.Set(bigToFloat(cap))
}

func label(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return "unknown"
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if math.IsInf(f, 0) {
		return math.MaxFloat64
	}
	return f
}
