package mvcc

import "github.com/prometheus/client_golang/prometheus"

var (
	pendingOperationGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "yugabyte",
			Subsystem: "mvcc",
			Name:      "pending_operations",
			Help:      "Number of operations with an assigned hybrid time that are not decided yet.",
		})

	safeTimeWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "yugabyte",
			Subsystem: "mvcc",
			Name:      "safe_time_wait_duration_seconds",
			Help:      "Bucketed histogram of time (s) spent blocked in safe time queries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		})

	safeTimeWaitTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "yugabyte",
			Subsystem: "mvcc",
			Name:      "safe_time_wait_timeouts_total",
			Help:      "Counter of safe time queries that reached their deadline unsatisfied.",
		})
)

func init() {
	prometheus.MustRegister(pendingOperationGauge)
	prometheus.MustRegister(safeTimeWaitDuration)
	prometheus.MustRegister(safeTimeWaitTimeouts)
}
