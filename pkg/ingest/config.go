// Package ingest builds and configures the franz-go client shared by every
// broker.Consumer/broker.Producer adapter in this process: one KafkaConfig,
// one set of client options, one dial. pkg/streaming only ever sees the
// broker.Consumer/broker.Producer interfaces; this package is where those
// interfaces meet a real cluster.
package ingest

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/flagext"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// KafkaConfig holds everything needed to dial the broker cluster backing
// this worker's topics, plus the operational knobs (timeouts, retry
// backoff, auto-topic-creation defaults) the rest of pkg/ingest consults.
type KafkaConfig struct {
	Address string `yaml:"address"`
	Topic   string `yaml:"topic"`

	ClientID      string        `yaml:"client_id"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	ConsumerGroup string        `yaml:"consumer_group"`

	AutoCreateTopicDefaultPartitions int `yaml:"auto_create_topic_default_partitions"`
	AutoCreateTopicReplicationFactor int `yaml:"auto_create_topic_replication_factor"`

	LastProducedOffsetRetryTimeout time.Duration `yaml:"last_produced_offset_retry_timeout"`

	concurrentFetchersFetchBackoffConfig backoff.Config
}

// RegisterFlagsWithPrefix registers the KafkaConfig's flags under prefix, mirroring
// the per-component flag registration convention used throughout
// grafana/dskit-based configuration.
func (cfg *KafkaConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Address, prefix+".address", "localhost:9092", "The Kafka seed broker address.")
	f.StringVar(&cfg.Topic, prefix+".topic", "", "The Kafka topic name.")
	f.StringVar(&cfg.ClientID, prefix+".client-id", "streamworker", "The Kafka client ID.")
	f.DurationVar(&cfg.DialTimeout, prefix+".dial-timeout", 10*time.Second, "The maximum time allowed to open a connection to a broker.")
	f.DurationVar(&cfg.WriteTimeout, prefix+".write-timeout", 10*time.Second, "The maximum time allowed for a produce request to complete.")
	f.StringVar(&cfg.ConsumerGroup, prefix+".consumer-group", "streamworker", "The Kafka consumer group used for this worker's assignment.")
	f.IntVar(&cfg.AutoCreateTopicDefaultPartitions, prefix+".auto-create-topic-default-partitions", 1, "Partitions used when auto-creating a topic that does not yet exist.")
	f.IntVar(&cfg.AutoCreateTopicReplicationFactor, prefix+".auto-create-topic-replication-factor", 1, "Replication factor used when auto-creating a topic.")
	f.DurationVar(&cfg.LastProducedOffsetRetryTimeout, prefix+".last-produced-offset-retry-timeout", 10*time.Second, "Reserved for the last produced offset lookup; PartitionOffsetClient does not read it and retries with its own fixed backoff (up to 10 retries, 100ms to 1s).")

	cfg.concurrentFetchersFetchBackoffConfig = backoff.Config{
		MinBackoff: 250 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		MaxRetries: 10,
	}
}

// RegisterFlags registers the KafkaConfig's flags under the "kafka" prefix, and is
// also what flagext.DefaultValues uses to populate a zero-value config in
// tests.
func (cfg *KafkaConfig) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("kafka", f)
}

var _ flagext.Registerer = (*KafkaConfig)(nil)

// EnsureTopicPartitions idempotently brings the configured topic's
// partition count up to AutoCreateTopicDefaultPartitions: it creates the
// topic if absent, and grows (never shrinks) its partition count if an
// existing topic has fewer.
func (cfg KafkaConfig) EnsureTopicPartitions(logger log.Logger) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(cfg.Address), kgo.DialTimeout(cfg.DialTimeout))
	if err != nil {
		return fmt.Errorf("create admin client: %w", err)
	}
	defer client.Close()

	admin := kadm.NewClient(client)
	defer admin.Close()

	ctx := context.Background()
	details, err := admin.ListTopics(ctx, cfg.Topic)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	topicDetail, exists := details[cfg.Topic]
	if !exists || topicDetail.Err != nil {
		level.Info(logger).Log("msg", "creating topic", "topic", cfg.Topic, "partitions", cfg.AutoCreateTopicDefaultPartitions)
		_, err := admin.CreateTopic(ctx, int32(cfg.AutoCreateTopicDefaultPartitions), int16(cfg.AutoCreateTopicReplicationFactor), nil, cfg.Topic)
		if err != nil {
			return fmt.Errorf("create topic %q: %w", cfg.Topic, err)
		}
		return nil
	}

	existingPartitions := len(topicDetail.Partitions.Numbers())
	if existingPartitions >= cfg.AutoCreateTopicDefaultPartitions {
		return nil
	}

	level.Info(logger).Log("msg", "growing topic partitions", "topic", cfg.Topic, "from", existingPartitions, "to", cfg.AutoCreateTopicDefaultPartitions)
	_, err = admin.UpdatePartitions(ctx, cfg.AutoCreateTopicDefaultPartitions, cfg.Topic)
	if err != nil {
		return fmt.Errorf("grow topic %q partitions: %w", cfg.Topic, err)
	}
	return nil
}

// commonKafkaClientOptions builds the kgo.Opt slice shared by every client
// this package constructs: seed brokers, client ID, dial/write timeouts,
// and the kprom metrics hook.
func commonKafkaClientOptions(cfg KafkaConfig, metrics *kprom.Metrics, logger log.Logger) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Address),
		kgo.ClientID(cfg.ClientID),
		kgo.DialTimeout(cfg.DialTimeout),
		kgo.WithLogger(newKgoLogger(logger)),
	}
	// A zero WriteTimeout means "unset": keep the client's own default.
	if cfg.WriteTimeout > 0 {
		opts = append(opts, kgo.ProduceRequestTimeout(cfg.WriteTimeout))
	}
	if metrics != nil {
		opts = append(opts, kgo.WithHooks(metrics))
	}
	return opts
}
