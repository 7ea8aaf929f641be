package ingest

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/grafana/streamworker/pkg/streaming/broker"
	"github.com/grafana/streamworker/pkg/streaming/tp"
)

// Consumer adapts a *kgo.Client (consumer-group mode) to broker.Consumer.
// It is the only broker.Consumer implementation this worker runs in
// production; brokertest.Consumer exists solely for unit tests that don't
// want a live or fake cluster.
type Consumer struct {
	client *kgo.Client
	admin  *kadm.Client
	group  string
	logger log.Logger

	seeks map[tp.TP]int64

	mu         sync.Mutex
	subscribed map[string]struct{}
	assigned   tp.Set
}

// NewConsumer builds a Consumer over client, already configured for
// consumer-group membership via commonKafkaClientOptions plus
// kgo.ConsumerGroup/kgo.ConsumeTopics.
func NewConsumer(client *kgo.Client, group string, logger log.Logger) *Consumer {
	return &Consumer{
		client:     client,
		admin:      kadm.NewClient(client),
		group:      group,
		logger:     logger,
		seeks:      make(map[tp.TP]int64),
		subscribed: make(map[string]struct{}),
		assigned:   make(tp.Set),
	}
}

// Subscribe replaces the consumer's topic subscription set: topics no
// longer wanted are purged from consumption, new ones added. kgo has no
// single replace call, so the diff is computed against the last set.
func (c *Consumer) Subscribe(_ context.Context, topics []string) error {
	next := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		next[t] = struct{}{}
	}

	c.mu.Lock()
	var stale []string
	for t := range c.subscribed {
		if _, ok := next[t]; !ok {
			stale = append(stale, t)
		}
	}
	c.subscribed = next
	c.mu.Unlock()

	if len(stale) > 0 {
		c.client.PurgeTopicsFromConsuming(stale...)
	}
	c.client.AddConsumeTopics(topics...)
	return nil
}

// Assignment returns the TPs the group has currently assigned to this
// consumer. kgo reports assignment changes only through its rebalance
// callbacks, so the process wiring forwards them here via
// SetAssigned/RemoveAssigned.
func (c *Consumer) Assignment() tp.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(tp.Set, len(c.assigned))
	for t := range c.assigned {
		out[t] = struct{}{}
	}
	return out
}

// SetAssigned records newly assigned TPs; called from the
// kgo.OnPartitionsAssigned listener.
func (c *Consumer) SetAssigned(tps tp.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t := range tps {
		c.assigned[t] = struct{}{}
	}
}

// RemoveAssigned drops revoked or lost TPs; called from the
// kgo.OnPartitionsRevoked/OnPartitionsLost listeners.
func (c *Consumer) RemoveAssigned(tps tp.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t := range tps {
		delete(c.assigned, t)
	}
}

func (c *Consumer) PausePartitions(tps tp.Set) {
	byTopic := make(map[string][]int32)
	for t := range tps {
		byTopic[t.Topic] = append(byTopic[t.Topic], t.Partition)
	}
	c.client.PauseFetchPartitions(byTopic)
}

func (c *Consumer) ResumePartitions(tps tp.Set) {
	byTopic := make(map[string][]int32)
	for t := range tps {
		byTopic[t.Topic] = append(byTopic[t.Topic], t.Partition)
	}
	c.client.ResumeFetchPartitions(byTopic)
}

func (c *Consumer) Commit(ctx context.Context, tps tp.Set) (bool, error) {
	if len(tps) == 0 {
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			return false, err
		}
		return true, nil
	}

	offsets := make(map[string]map[int32]kgo.EpochOffset)
	uncommitted := c.client.UncommittedOffsets()
	for t := range tps {
		parts, ok := uncommitted[t.Topic]
		if !ok {
			continue
		}
		eo, ok := parts[t.Partition]
		if !ok {
			continue
		}
		if offsets[t.Topic] == nil {
			offsets[t.Topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[t.Topic][t.Partition] = eo
	}
	if len(offsets) == 0 {
		return true, nil
	}

	var commitErr error
	c.client.CommitOffsetsSync(ctx, offsets, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
		commitErr = err
		_ = resp
	})
	if commitErr != nil {
		return false, commitErr
	}
	return true, nil
}

func (c *Consumer) PerformSeek(ctx context.Context) error {
	if len(c.seeks) == 0 {
		return nil
	}
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for t, off := range c.seeks {
		if offsets[t.Topic] == nil {
			offsets[t.Topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[t.Topic][t.Partition] = kgo.NewOffset().At(off).EpochOffset()
	}
	c.client.SetOffsets(offsets)
	c.seeks = make(map[tp.TP]int64)
	return nil
}

func (c *Consumer) SeekPartition(t tp.TP, offset int64) {
	c.seeks[t] = offset
}

// Run drives the poll loop, invoking cb once per fetched record in arrival
// order. Fetch errors are logged and skipped; only ctx cancellation, the
// client being closed, or a cb error ends the loop.
func (c *Consumer) Run(ctx context.Context, cb broker.MessageCallback) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			level.Warn(c.logger).Log("msg", "fetch error", "group", c.group, "topic", topic, "partition", partition, "err", err)
		})

		var cbErr error
		fetches.EachRecord(func(r *kgo.Record) {
			if cbErr != nil {
				return
			}
			msg := &broker.Message{
				Topic:     r.Topic,
				Partition: r.Partition,
				Offset:    r.Offset,
				Key:       r.Key,
				Value:     r.Value,
				Timestamp: r.Timestamp,
			}
			if err := cb(ctx, msg); err != nil {
				cbErr = err
			}
		})
		if cbErr != nil {
			return cbErr
		}
	}
}

func (c *Consumer) Close() {
	c.admin.Close()
	c.client.Close()
}
