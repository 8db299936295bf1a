package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hookrelay"

// Metrics holds the relay collectors.
type Metrics struct {
	requests         *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	statsFlushed     prometheus.Counter
	statsDropped     prometheus.Counter
	statFlushErrors  prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Inbound relay requests by response status.",
		}, []string{"status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound channel deliveries by target kind and result.",
		}, []string{"target", "result"}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent sending one message to a channel.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
		statsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stat_increments_flushed_total",
			Help:      "Delivery stat increments written to the database.",
		}),
		statsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stat_increments_dropped_total",
			Help:      "Delivery stat increments dropped because the queue was full.",
		}),
		statFlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stat_flush_errors_total",
			Help:      "Stat flush transactions that failed.",
		}),
	}

	reg.MustRegister(
		m.requests,
		m.deliveries,
		m.deliveryDuration,
		m.statsFlushed,
		m.statsDropped,
		m.statFlushErrors,
	)
	return m
}

// ObserveRequest counts one relay response.
func (m *Metrics) ObserveRequest(status int) {
	m.requests.WithLabelValues(strconv.Itoa(status)).Inc()
}

// ObserveDelivery records one channel send. target is "primary" or "fanout".
func (m *Metrics) ObserveDelivery(target string, ok bool, elapsed time.Duration) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.deliveries.WithLabelValues(target, result).Inc()
	m.deliveryDuration.WithLabelValues(target).Observe(elapsed.Seconds())
}

// StatsFlushed counts increments persisted by one flush.
func (m *Metrics) StatsFlushed(n int) {
	m.statsFlushed.Add(float64(n))
}

// StatDropped counts one increment lost to back pressure.
func (m *Metrics) StatDropped() {
	m.statsDropped.Inc()
}

// StatFlushFailed counts one failed flush.
func (m *Metrics) StatFlushFailed() {
	m.statFlushErrors.Inc()
}
