package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// PartitionOffsetClient answers "what is the highwater offset of this
// partition" queries against a topic, the input changelog and standby
// readers (pkg/streaming/changelog) need to know when they've caught up.
type PartitionOffsetClient struct {
	client *kgo.Client
	admin  *kadm.Client
	topic  string

	retryBackoff backoff.Config
}

// NewPartitionOffsetClient wraps client (already dialed) for highwater
// lookups against topic.
func NewPartitionOffsetClient(client *kgo.Client, topic string) *PartitionOffsetClient {
	return &PartitionOffsetClient{
		client: client,
		admin:  kadm.NewClient(client),
		topic:  topic,
		retryBackoff: backoff.Config{
			MinBackoff: 100 * time.Millisecond,
			MaxBackoff: 1 * time.Second,
			MaxRetries: 10,
		},
	}
}

// FetchPartitionsLastProducedOffsets returns, for each requested partition
// ID, the partition's end offset: one past the last produced record, i.e.
// the next offset to be written. An empty partition reports 0.
func (c *PartitionOffsetClient) FetchPartitionsLastProducedOffsets(ctx context.Context, partitionIDs []int32) (kadm.ListedOffsets, error) {
	boff := backoff.New(ctx, c.retryBackoff)

	var (
		offsets kadm.ListedOffsets
		lastErr error
	)
	for boff.Ongoing() {
		offsets, lastErr = c.admin.ListEndOffsets(ctx, c.topic)
		if lastErr == nil {
			lastErr = c.validateListedOffsets(offsets, partitionIDs)
		}
		if lastErr == nil {
			return c.filterPartitions(offsets, partitionIDs), nil
		}
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return nil, fmt.Errorf("fetch last produced offsets for topic %q: %w", c.topic, lastErr)
}

func (c *PartitionOffsetClient) validateListedOffsets(offsets kadm.ListedOffsets, partitionIDs []int32) error {
	if len(offsets) != 1 {
		return fmt.Errorf("unexpected number of topics in the response, expected 1, got %d", len(offsets))
	}
	topicOffsets, ok := offsets[c.topic]
	if !ok {
		for name := range offsets {
			return fmt.Errorf("unexpected topic in the response, expected %q, got %q", c.topic, name)
		}
	}
	for _, id := range partitionIDs {
		po, ok := topicOffsets[id]
		if !ok {
			continue
		}
		if po.Err != nil {
			return po.Err
		}
	}
	return nil
}

func (c *PartitionOffsetClient) filterPartitions(offsets kadm.ListedOffsets, partitionIDs []int32) kadm.ListedOffsets {
	wanted := make(map[int32]struct{}, len(partitionIDs))
	for _, id := range partitionIDs {
		wanted[id] = struct{}{}
	}
	out := make(kadm.ListedOffsets)
	for topic, partitions := range offsets {
		filtered := make(map[int32]kadm.ListedOffset)
		for id, po := range partitions {
			if _, ok := wanted[id]; ok {
				filtered[id] = po
			}
		}
		out[topic] = filtered
	}
	return out
}

// Close releases the underlying admin client. The kgo.Client itself is
// owned by the caller, not by PartitionOffsetClient.
func (c *PartitionOffsetClient) Close() {
	c.admin.Close()
}
