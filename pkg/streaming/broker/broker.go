// Package broker specifies the contract this worker requires of the
// underlying Kafka-style broker client: produce/consume/commit/seek/
// pause/resume/subscribe/create-topic. The broker client itself is an
// external collaborator — only its contract lives here; pkg/ingest
// supplies the franz-go-backed implementation and brokertest supplies
// fakes for unit tests.
package broker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/grafana/streamworker/pkg/streaming/tp"
)

// Message is one broker-delivered record. It carries its own reference
// count so the topic manager can bulk-increment it once per inbound
// message (for all subscribing channels) before any channel sees it, and
// each channel can decref independently once it's done.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time

	refcount int64
}

// TP returns the topic-partition this message was delivered on.
func (m *Message) TP() tp.TP {
	return tp.New(m.Topic, m.Partition)
}

// IncrefBulk adds n to the message's reference count. Called once per
// inbound message with n = number of subscribing channels, before any
// channel delivery begins, so no early decref can release the message.
func (m *Message) IncrefBulk(n int) {
	atomic.AddInt64(&m.refcount, int64(n))
}

// Decref drops the reference count by one. Returns the count after
// decrementing; callers that want to know when the last subscriber is done
// can check for zero, though this worker does not currently act on it
// (there is no pooled-buffer return path to trigger).
func (m *Message) Decref() int64 {
	return atomic.AddInt64(&m.refcount, -1)
}

// RefCount reports the current reference count, for tests and metrics.
func (m *Message) RefCount() int64 {
	return atomic.LoadInt64(&m.refcount)
}

// MessageCallback is invoked by a Consumer for every delivered message.
type MessageCallback func(ctx context.Context, msg *Message) error

// Consumer is the single broker consumer owned by the topic manager (for
// normal fan-out) and driven by the table manager (for pause/resume/seek
// around recovery). There is a single logical consumer owner per worker;
// all mutations go through this API.
type Consumer interface {
	// Subscribe replaces the full topic subscription set.
	Subscribe(ctx context.Context, topics []string) error

	// Assignment returns the TPs currently assigned to this consumer.
	Assignment() tp.Set

	// PausePartitions/ResumePartitions stop/resume delivery for the given
	// TPs without altering the subscription or assignment.
	PausePartitions(tps tp.Set)
	ResumePartitions(tps tp.Set)

	// Commit commits the consumer's current position for the given TPs
	// (or, if tps is empty, for its full assignment).
	Commit(ctx context.Context, tps tp.Set) (bool, error)

	// PerformSeek applies any pending seek requests queued via
	// SeekPartition, realigning the live consumer's fetch position.
	PerformSeek(ctx context.Context) error

	// SeekPartition queues (for PerformSeek) or immediately applies
	// (implementation defined) a seek of tp to offset.
	SeekPartition(t tp.TP, offset int64)

	// Run drives the consume loop until ctx is cancelled, invoking cb for
	// every delivered message. Run returns nil on clean cancellation.
	Run(ctx context.Context, cb MessageCallback) error

	// Close releases the consumer's resources.
	Close()
}

// Producer is the broker producer, lazily started on first use and shared
// across all Topic instances in the process.
type Producer interface {
	// Send publishes asynchronously; the broker client buffers it and
	// invokes ack (if non-nil) exactly once when delivery succeeds or
	// definitively fails.
	Send(ctx context.Context, topic string, key, value []byte, partition *int32, ack func(*RecordMetadata, error)) error

	// SendAndWait publishes synchronously and returns broker-assigned
	// metadata once acknowledged.
	SendAndWait(ctx context.Context, topic string, key, value []byte, partition *int32) (*RecordMetadata, error)

	// CreateTopic idempotently declares a topic with the given config.
	CreateTopic(ctx context.Context, topic string, partitions int, replication int, config map[string]string) error

	// Close releases the producer's resources.
	Close()
}

// RecordMetadata mirrors message.RecordMetadata; declared again here (same
// shape) so this package has no dependency on the message package, which
// in turn would create a cycle with channel -> broker -> message. Adapters
// convert between the two at the boundary (see pkg/ingest).
type RecordMetadata struct {
	Topic     string
	Partition int32
	Offset    int64
}
