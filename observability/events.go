package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	decoded  *prometheus.CounterVec
	failures *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking normalised chain events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			decoded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xcall",
				Subsystem: "events",
				Name:      "decoded_total",
				Help:      "Count of decoded log entries segmented by chain and source.",
			}, []string{"chain", "source"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "xcall",
				Subsystem: "events",
				Name:      "decode_failures_total",
				Help:      "Count of log entries dropped by the decoder segmented by chain and source.",
			}, []string{"chain", "source"}),
		}
		prometheus.MustRegister(eventRegistry.decoded, eventRegistry.failures)
	})
	return eventRegistry
}

// RecordDecoded adds the outcome of one decoded batch.
func (m *eventMetrics) RecordDecoded(chain, source string, decoded, failed int) {
	if m == nil {
		return
	}
	c := normalizeLabel(chain)
	s := normalizeLabel(source)
	if decoded > 0 {
		m.decoded.WithLabelValues(c, s).Add(float64(decoded))
	}
	if failed > 0 {
		m.failures.WithLabelValues(c, s).Add(float64(failed))
	}
}

func normalizeLabel(value string) string {
	normalized := strings.TrimSpace(strings.ToLower(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
