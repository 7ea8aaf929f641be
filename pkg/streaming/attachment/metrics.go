package attachment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPendingBuckets = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "streamworker",
	Name:      "attachment_pending_buckets",
	Help:      "Number of (partition, offset) buckets currently holding unpublished attachments.",
})
