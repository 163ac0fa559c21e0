package vehicle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pcmhacks",
		Subsystem: "vehicle",
		Name:      "query_duration_seconds",
		Help:      "Latency of a query-engine round trip, by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	queryRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pcmhacks",
		Subsystem: "vehicle",
		Name:      "query_retries_total",
		Help:      "Count of retried send attempts, by operation.",
	}, []string{"operation"})
)

// promMetrics implements query.Metrics for a single named operation, so
// latency and retries in the default Prometheus registry can be broken
// down by what the vehicle was actually doing (read VIN, unlock, read
// block, ...).
type promMetrics struct {
	operation string
}

func (m promMetrics) ObserveRetry() {
	queryRetriesTotal.WithLabelValues(m.operation).Inc()
}

func (m promMetrics) ObserveDuration(d time.Duration) {
	queryDuration.WithLabelValues(m.operation).Observe(d.Seconds())
}
