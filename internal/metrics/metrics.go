package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the immediate path and the scheduler
const (
	PathImmediate = "immediate"
	PathRetry     = "retry"
)

// Prometheus metrics for the delivery core
var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paynotify_deliveries_total",
			Help: "Delivery attempts by path and outcome",
		},
		[]string{"path", "outcome"},
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "paynotify_delivery_duration_seconds",
			Help:    "Duration of collector POST requests",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paynotify_queue_events",
			Help: "Queued events by status, sampled after each drain cycle",
		},
		[]string{"status"},
	)

	QueueQuarantined = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paynotify_queue_quarantined",
			Help: "Events past the attempt ceiling held at maximum backoff",
		},
	)

	DrainCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paynotify_drain_cycles_total",
			Help: "Retry scheduler cycles by result",
		},
		[]string{"result"},
	)

	WatchdogChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paynotify_watchdog_checks_total",
			Help: "Capture watchdog checks by result",
		},
		[]string{"result"},
	)

	AuthInvalid = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "paynotify_auth_invalid",
			Help: "1 while delivery is paused on an invalid credential",
		},
	)
)

var registerOnce sync.Once

// Register registers all metrics with the default registry; safe to call twice
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(DeliveriesTotal)
		prometheus.MustRegister(DeliveryDuration)
		prometheus.MustRegister(QueueEvents)
		prometheus.MustRegister(QueueQuarantined)
		prometheus.MustRegister(DrainCyclesTotal)
		prometheus.MustRegister(WatchdogChecksTotal)
		prometheus.MustRegister(AuthInvalid)
	})
}
