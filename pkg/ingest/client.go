package ingest

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// NewConsumerClient dials a *kgo.Client in consumer-group mode for cfg,
// registering metrics under reg. extraOpts is appended last so callers can
// install rebalance listeners (kgo.OnPartitionsAssigned/Revoked) that drive
// the topic manager and table manager's assignment callbacks; cfg itself
// carries no knowledge of either.
func NewConsumerClient(cfg KafkaConfig, reg prometheus.Registerer, logger log.Logger, extraOpts ...kgo.Opt) (*kgo.Client, error) {
	metrics := kprom.NewMetrics("streamworker_kafka_consumer", kprom.Registerer(reg))
	opts := commonKafkaClientOptions(cfg, metrics, logger)
	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if cfg.Topic != "" {
		opts = append(opts, kgo.ConsumeTopics(cfg.Topic))
	}
	opts = append(opts, extraOpts...)
	return kgo.NewClient(opts...)
}

// NewProducerClient dials a *kgo.Client in producer mode for cfg, registering
// metrics under reg.
func NewProducerClient(cfg KafkaConfig, reg prometheus.Registerer, logger log.Logger) (*kgo.Client, error) {
	metrics := kprom.NewMetrics("streamworker_kafka_producer", kprom.Registerer(reg))
	opts := commonKafkaClientOptions(cfg, metrics, logger)
	if cfg.Topic != "" {
		opts = append(opts, kgo.DefaultProduceTopic(cfg.Topic))
	}
	opts = append(opts, kgo.RecordPartitioner(kgo.UniformBytesPartitioner(64<<10, true, true, nil)))
	return kgo.NewClient(opts...)
}

// NewChangelogConsumerClient dials a *kgo.Client that directly consumes
// every partition of changelogTopic (no consumer group membership): the
// table manager owns seeking and stopping this client itself, so group
// rebalancing would only get in the way.
func NewChangelogConsumerClient(cfg KafkaConfig, changelogTopic string, reg prometheus.Registerer, logger log.Logger) (*kgo.Client, error) {
	metrics := kprom.NewMetrics("streamworker_kafka_changelog", kprom.Registerer(reg))
	opts := commonKafkaClientOptions(cfg, metrics, logger)
	opts = append(opts,
		kgo.ConsumeTopics(changelogTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	return kgo.NewClient(opts...)
}
