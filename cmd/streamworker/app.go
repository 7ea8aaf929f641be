package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/streamworker/pkg/ingest"
	"github.com/grafana/streamworker/pkg/streaming/attachment"
	"github.com/grafana/streamworker/pkg/streaming/changelog"
	"github.com/grafana/streamworker/pkg/streaming/table"
	"github.com/grafana/streamworker/pkg/streaming/topic"
	"github.com/grafana/streamworker/pkg/streaming/topicmanager"
	"github.com/grafana/streamworker/pkg/streaming/tp"
	ulog "github.com/grafana/streamworker/pkg/util/log"
)

// App wires every streamworker subsystem into one running process: the
// Kafka clients, the topic manager's fan-out plane, the table manager's
// recovery orchestration, and the attachment buffer's commit-gated outbox.
type App struct {
	services.Service

	cfg Config
	reg prometheus.Registerer

	consumerClient *kgo.Client
	producerClient *kgo.Client

	Producer *ingest.Producer
	Consumer *ingest.Consumer

	TopicManager *topicmanager.Manager
	TableManager *table.Manager
	Attachment   *attachment.Buffer
	Registry     *Registry

	assignor *assignmentTracker
}

// assignmentTracker is the PartitionAssignor the table manager consults: it
// mirrors whatever the live consumer's group membership last reported. This
// deployment mode runs no hot standbys of its own (AssignedStandbys is
// always empty) since standby replication requires a partition assignor
// aware of the full group, out of scope for a single generic worker binary.
type assignmentTracker struct {
	mu      sync.Mutex
	actives tp.Set
}

func (a *assignmentTracker) set(actives tp.Set) {
	a.mu.Lock()
	a.actives = actives
	a.mu.Unlock()
}

func (a *assignmentTracker) AssignedActives() tp.Set {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.actives
}

func (a *assignmentTracker) AssignedStandbys() tp.Set { return tp.NewSet() }

// New builds an App for cfg, dialing both the consumer and producer Kafka
// clients and wiring every in-process subsystem together. It does not start
// anything; start it with services.StartAndAwaitRunning.
func New(cfg Config, reg prometheus.Registerer) (*App, error) {
	a := &App{
		cfg:      cfg,
		reg:      reg,
		assignor: &assignmentTracker{actives: tp.NewSet()},
	}

	producerClient, err := ingest.NewProducerClient(cfg.Producer, reg, ulog.Logger)
	if err != nil {
		return nil, fmt.Errorf("dial producer client: %w", err)
	}
	a.producerClient = producerClient
	a.Producer = ingest.NewProducer(producerClient, cfg.Producer.AutoCreateTopicReplicationFactor)

	// The rebalance callbacks close over `a` itself and only read
	// a.TableManager/a.TopicManager at call time, so it's safe to dial the
	// consumer client (which installs them) before those fields are set:
	// no rebalance fires until the topic manager's Start launches the
	// consumer's poll loop.
	consumerClient, err := ingest.NewConsumerClient(cfg.Consumer, reg, ulog.Logger,
		kgo.OnPartitionsAssigned(a.onPartitionsAssigned),
		kgo.OnPartitionsRevoked(a.onPartitionsRevoked),
		kgo.OnPartitionsLost(a.onPartitionsRevoked),
	)
	if err != nil {
		producerClient.Close()
		return nil, fmt.Errorf("dial consumer client: %w", err)
	}
	a.consumerClient = consumerClient

	consumer := ingest.NewConsumer(consumerClient, cfg.Consumer.ConsumerGroup, ulog.Logger)
	a.Consumer = consumer

	a.TableManager = table.New(a.assignor, consumer, a.newChangelogConsumer, a.fetchHighwater)
	a.TopicManager = topicmanager.New(consumer, cfg.QueueDepth)
	a.Registry = NewRegistry(a.TopicManager)
	a.Attachment = attachment.New(a.Registry)

	a.Service = services.NewBasicService(a.starting, a.running, a.stopping)
	return a, nil
}

func (a *App) starting(context.Context) error {
	level.Info(ulog.Logger).Log("msg", "streamworker starting")
	return nil
}

func (a *App) running(ctx context.Context) error {
	return a.TopicManager.Start(ctx)
}

func (a *App) stopping(failureCase error) error {
	a.TopicManager.Stop()
	a.TableManager.Stop()
	a.Producer.Close()
	a.consumerClient.Close()
	if failureCase != nil {
		level.Warn(ulog.Logger).Log("msg", "streamworker stopped with error", "err", failureCase)
	} else {
		level.Info(ulog.Logger).Log("msg", "streamworker stopped")
	}
	return nil
}

// DeclareTopic builds and registers a Topic, the entry point user-defined
// processors use to publish and consume.
func (a *App) DeclareTopic(cfg topic.Config) (*topic.Topic, error) {
	defaults := topic.Defaults{
		Partitions:  a.cfg.Consumer.AutoCreateTopicDefaultPartitions,
		Replication: a.cfg.Consumer.AutoCreateTopicReplicationFactor,
	}
	return topic.New(a.Producer, a.Registry, defaults, cfg)
}

func (a *App) newChangelogConsumer(_ context.Context, changelogTopic string) (changelog.SeekingConsumer, error) {
	client, err := ingest.NewChangelogConsumerClient(a.cfg.Consumer, changelogTopic, a.reg, ulog.Logger)
	if err != nil {
		return nil, err
	}
	return ingest.NewConsumer(client, "", ulog.Logger), nil
}

func (a *App) fetchHighwater(ctx context.Context, changelogTopic string, partitionIDs []int32) (map[int32]int64, error) {
	poc := ingest.NewPartitionOffsetClient(a.producerClient, changelogTopic)
	defer poc.Close()

	offsets, err := poc.FetchPartitionsLastProducedOffsets(ctx, partitionIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[int32]int64, len(partitionIDs))
	offsets.Each(func(o kadm.ListedOffset) {
		out[o.Partition] = o.Offset
	})
	return out, nil
}

// onPartitionsAssigned is the kgo rebalance listener: it updates the
// assignment tracker and forwards the assignment to both managers that
// need to react to it.
func (a *App) onPartitionsAssigned(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
	tps := toTPSet(assigned)
	a.assignor.set(unionTPSet(a.assignor.AssignedActives(), tps))
	a.Consumer.SetAssigned(tps)

	id := uuid.New().String()
	level.Info(ulog.Logger).Log("msg", "partitions assigned", "recovery_id", id, "count", len(tps))

	if err := a.TopicManager.OnPartitionsAssigned(ctx, tps); err != nil {
		level.Warn(ulog.Logger).Log("msg", "topic manager on_partitions_assigned failed", "err", err)
	}
	if err := a.TableManager.OnPartitionsAssigned(ctx, tps); err != nil {
		level.Warn(ulog.Logger).Log("msg", "table manager on_partitions_assigned failed", "err", err)
	}
}

// onPartitionsRevoked is the kgo rebalance listener for both a graceful
// revoke and a lost-partitions notification; the table manager's abort
// path is the same either way.
func (a *App) onPartitionsRevoked(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
	tps := toTPSet(revoked)
	remaining := tp.NewSet()
	for t := range a.assignor.AssignedActives() {
		if !tps.Contains(t) {
			remaining[t] = struct{}{}
		}
	}
	a.assignor.set(remaining)
	a.Consumer.RemoveAssigned(tps)

	// Attachments for inputs this worker never committed must never be
	// published: drop them before the partitions move to a peer.
	for t := range tps {
		a.Attachment.DropPartition(t)
	}

	if err := a.TableManager.OnPartitionsRevoked(ctx, tps); err != nil {
		level.Warn(ulog.Logger).Log("msg", "table manager on_partitions_revoked failed", "err", err)
	}
	if err := a.TopicManager.OnPartitionsRevoked(ctx, tps); err != nil {
		level.Warn(ulog.Logger).Log("msg", "topic manager on_partitions_revoked failed", "err", err)
	}
}

func toTPSet(m map[string][]int32) tp.Set {
	out := tp.NewSet()
	for topicName, partitions := range m {
		for _, p := range partitions {
			out[tp.New(topicName, p)] = struct{}{}
		}
	}
	return out
}

func unionTPSet(a, b tp.Set) tp.Set {
	out := tp.NewSet()
	for t := range a {
		out[t] = struct{}{}
	}
	for t := range b {
		out[t] = struct{}{}
	}
	return out
}
