package table

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRecoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "streamworker",
		Name:      "table_recovery_duration_seconds",
		Help:      "Time taken to replay every table changelog to its highwater after a partition assignment.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	metricRecoveryInterrupted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamworker",
		Name:      "table_recovery_interrupted_total",
		Help:      "Total number of recovery cycles that ended without every reviver reaching its highwater.",
	})
)
