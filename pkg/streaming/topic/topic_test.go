package topic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/streamworker/pkg/streaming/broker/brokertest"
	serr "github.com/grafana/streamworker/pkg/streaming/errors"
	"github.com/grafana/streamworker/pkg/streaming/message"
)

func newTestTopic(t *testing.T, cfg Config) *Topic {
	t.Helper()
	producer := brokertest.NewProducer()
	topic, err := New(producer, nil, Defaults{Partitions: 4, Replication: 1}, cfg)
	require.NoError(t, err)
	return topic
}

// Partition count 0 is rejected.
func TestTopic_ZeroPartitionsRejected(t *testing.T) {
	producer := brokertest.NewProducer()
	zero := 0
	_, err := New(producer, nil, Defaults{Partitions: 4, Replication: 1}, Config{
		Names:      []string{"t1"},
		Partitions: &zero,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, serr.ErrZeroPartitions)
}

func TestTopic_DefaultPartitionsAppliedWhenUnset(t *testing.T) {
	topic := newTestTopic(t, Config{Names: []string{"t1"}})
	assert.Equal(t, 4, topic.Partitions())
	assert.Equal(t, 1, topic.Replication())
}

// Specifying both topics and pattern is rejected.
func TestTopic_BothNamesAndPatternRejected(t *testing.T) {
	producer := brokertest.NewProducer()
	_, err := New(producer, nil, Defaults{Partitions: 1, Replication: 1}, Config{
		Names:   []string{"t1"},
		Pattern: "^x$",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, serr.ErrBadTopicSpec)
}

// Derive with prefix/suffix inherits partitions and renames topics;
// derive with a pattern from the same source produces a valid pattern Topic.
func TestTopic_DerivePrefixSuffixAndPattern(t *testing.T) {
	source := newTestTopic(t, Config{Names: []string{"t1"}, Partitions: intPtr(8)})

	prefixed, err := source.Derive(DeriveOpts{Prefix: "p-", Suffix: "-s"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p-t1-s"}, prefixed.Topics())
	assert.Equal(t, 8, prefixed.Partitions())

	patterned, err := source.Derive(DeriveOpts{Pattern: "^x$"})
	require.NoError(t, err)
	assert.NotNil(t, patterned.Pattern())
	assert.Equal(t, "^x$", patterned.Pattern().String())
}

// Prefix/suffix on a pattern-topic is rejected at derive time too.
func TestTopic_DerivePrefixOnPatternRejected(t *testing.T) {
	producer := brokertest.NewProducer()
	source, err := New(producer, nil, Defaults{Partitions: 1, Replication: 1}, Config{Pattern: "^x.*$"})
	require.NoError(t, err)

	_, err = source.Derive(DeriveOpts{Prefix: "p-"})
	require.Error(t, err)
	assert.ErrorIs(t, err, serr.ErrBadTopicSpec)
}

// Topic.Derive(...).Derive(...) composes; twice-applied empty overrides
// equal the original's configuration.
func TestTopic_DeriveComposesIdempotently(t *testing.T) {
	source := newTestTopic(t, Config{Names: []string{"t1"}, Partitions: intPtr(8), Retention: 100})

	once, err := source.Derive(DeriveOpts{})
	require.NoError(t, err)
	twice, err := once.Derive(DeriveOpts{})
	require.NoError(t, err)

	assert.Equal(t, source.Topics(), twice.Topics())
	assert.Equal(t, source.Partitions(), twice.Partitions())
	assert.Equal(t, source.Replication(), twice.Replication())
}

// MaybeDeclare is idempotent: N calls issue exactly one topic creation
// per topic name.
func TestTopic_MaybeDeclareIdempotent(t *testing.T) {
	producer := brokertest.NewProducer()
	topic, err := New(producer, nil, Defaults{Partitions: 2, Replication: 1}, Config{Names: []string{"t1", "t2"}})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, topic.MaybeDeclare(context.Background()))
	}

	created := producer.CreatedTopics()
	require.Len(t, created, 2)
}

func TestTopic_CompactingSetsCleanupPolicy(t *testing.T) {
	producer := brokertest.NewProducer()
	topic, err := New(producer, nil, Defaults{Partitions: 1, Replication: 1}, Config{
		Names:      []string{"changelog"},
		Compacting: true,
	})
	require.NoError(t, err)
	require.NoError(t, topic.MaybeDeclare(context.Background()))

	created := producer.CreatedTopics()
	require.Len(t, created, 1)
	assert.Equal(t, "compact", created[0].Config["cleanup.policy"])
}

func TestTopic_PublishMessageSyncResolvesFuture(t *testing.T) {
	producer := brokertest.NewProducer()
	topic, err := New(producer, nil, Defaults{Partitions: 1, Replication: 1}, Config{Names: []string{"out"}})
	require.NoError(t, err)

	fut := message.NewFuture(message.PendingMessage{Channel: topic, Key: []byte("k"), Value: []byte("v")})
	_, err = topic.PublishMessage(context.Background(), fut, true)
	require.NoError(t, err)

	meta, pubErr := fut.Wait()
	require.NoError(t, pubErr)
	require.NotNil(t, meta)
	assert.Equal(t, "out", meta.Topic)
}

func TestTopic_PublishMessageFailurePropagates(t *testing.T) {
	producer := brokertest.NewProducer()
	producer.FailSend = assertErr{}
	topic, err := New(producer, nil, Defaults{Partitions: 1, Replication: 1}, Config{Names: []string{"out"}})
	require.NoError(t, err)

	fut := message.NewFuture(message.PendingMessage{Channel: topic})
	_, err = topic.PublishMessage(context.Background(), fut, true)
	require.Error(t, err)

	_, pubErr := fut.Wait()
	require.Error(t, pubErr)
	assert.ErrorIs(t, pubErr, serr.ErrPublishFailure)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func intPtr(n int) *int { return &n }
