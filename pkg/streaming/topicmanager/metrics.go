package topicmanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFanoutMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamworker",
		Name:      "fanout_messages_total",
		Help:      "Total number of inbound messages fanned out to subscribing channels.",
	})

	metricFanoutQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamworker",
		Name:      "fanout_queue_length",
		Help:      "Current length of the pending fan-out delivery queue.",
	})
)
