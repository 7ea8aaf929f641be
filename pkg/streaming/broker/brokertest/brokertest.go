// Package brokertest provides small in-memory fakes for broker.Consumer and
// broker.Producer, used by unit tests across pkg/streaming that need to
// exercise fan-out, commit, and recovery logic without a real or fake
// Kafka cluster. Integration-style tests that need real broker semantics
// use github.com/twmb/franz-go/pkg/kfake instead (see pkg/ingest tests).
package brokertest

import (
	"context"
	"sync"

	"github.com/grafana/streamworker/pkg/streaming/broker"
	"github.com/grafana/streamworker/pkg/streaming/tp"
)

// Consumer is an in-memory fake implementing broker.Consumer. Messages are
// injected with Inject and delivered to whatever callback Run was given,
// skipping any TP currently paused.
type Consumer struct {
	mu             sync.Mutex
	assignment     tp.Set
	paused         tp.Set
	subscribed     []string
	subscribeCalls int
	committed      []tp.Set
	seeks          map[tp.TP]int64
	seekCalls      int

	queue  chan *broker.Message
	closed chan struct{}
}

// NewConsumer returns a fake Consumer with the given initial assignment.
func NewConsumer(assignment tp.Set) *Consumer {
	return &Consumer{
		assignment: assignment,
		paused:     make(tp.Set),
		seeks:      make(map[tp.TP]int64),
		queue:      make(chan *broker.Message, 1024),
		closed:     make(chan struct{}),
	}
}

func (c *Consumer) Subscribe(_ context.Context, topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append([]string(nil), topics...)
	c.subscribeCalls++
	return nil
}

func (c *Consumer) SubscribedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscribed...)
}

func (c *Consumer) SubscribeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribeCalls
}

func (c *Consumer) Assignment() tp.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(tp.Set, len(c.assignment))
	for t := range c.assignment {
		out[t] = struct{}{}
	}
	return out
}

func (c *Consumer) SetAssignment(a tp.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assignment = a
}

func (c *Consumer) PausePartitions(tps tp.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t := range tps {
		c.paused[t] = struct{}{}
	}
}

func (c *Consumer) ResumePartitions(tps tp.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t := range tps {
		delete(c.paused, t)
	}
}

func (c *Consumer) IsPaused(t tp.TP) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.paused[t]
	return ok
}

func (c *Consumer) Commit(_ context.Context, tps tp.Set) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, tps)
	return true, nil
}

func (c *Consumer) Commits() []tp.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]tp.Set(nil), c.committed...)
}

func (c *Consumer) PerformSeek(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seekCalls++
	return nil
}

func (c *Consumer) SeekCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seekCalls
}

func (c *Consumer) SeekPartition(t tp.TP, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seeks[t] = offset
}

func (c *Consumer) Seeks() map[tp.TP]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[tp.TP]int64, len(c.seeks))
	for k, v := range c.seeks {
		out[k] = v
	}
	return out
}

// Inject enqueues msg for delivery by a running Run loop, unless its TP is
// currently paused (in which case it is silently dropped, matching real
// broker pause semantics of "no delivery while paused").
func (c *Consumer) Inject(msg *broker.Message) {
	if c.IsPaused(msg.TP()) {
		return
	}
	select {
	case c.queue <- msg:
	case <-c.closed:
	}
}

func (c *Consumer) Run(ctx context.Context, cb broker.MessageCallback) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.queue:
			if c.IsPaused(msg.TP()) {
				continue
			}
			if err := cb(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (c *Consumer) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

// Producer is an in-memory fake implementing broker.Producer. Every send
// is recorded; SendAndWait assigns sequential offsets per topic.
type Producer struct {
	mu      sync.Mutex
	sent    []Sent
	offsets map[string]int64
	created []CreatedTopic

	// FailSend, if set, is returned by Send/SendAndWait instead of
	// succeeding, for testing PublishFailure propagation.
	FailSend error
}

type Sent struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition *int32
	Wait      bool
}

type CreatedTopic struct {
	Topic       string
	Partitions  int
	Replication int
	Config      map[string]string
}

func NewProducer() *Producer {
	return &Producer{offsets: make(map[string]int64)}
}

func (p *Producer) Send(_ context.Context, topic string, key, value []byte, partition *int32, ack func(*broker.RecordMetadata, error)) error {
	p.mu.Lock()
	if p.FailSend != nil {
		err := p.FailSend
		p.mu.Unlock()
		if ack != nil {
			ack(nil, err)
		}
		return err
	}
	p.sent = append(p.sent, Sent{Topic: topic, Key: key, Value: value, Partition: partition, Wait: false})
	offset := p.offsets[topic]
	p.offsets[topic] = offset + 1
	p.mu.Unlock()

	if ack != nil {
		part := int32(0)
		if partition != nil {
			part = *partition
		}
		ack(&broker.RecordMetadata{Topic: topic, Partition: part, Offset: offset}, nil)
	}
	return nil
}

func (p *Producer) SendAndWait(_ context.Context, topic string, key, value []byte, partition *int32) (*broker.RecordMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailSend != nil {
		return nil, p.FailSend
	}
	p.sent = append(p.sent, Sent{Topic: topic, Key: key, Value: value, Partition: partition, Wait: true})
	offset := p.offsets[topic]
	p.offsets[topic] = offset + 1
	part := int32(0)
	if partition != nil {
		part = *partition
	}
	return &broker.RecordMetadata{Topic: topic, Partition: part, Offset: offset}, nil
}

func (p *Producer) CreateTopic(_ context.Context, topic string, partitions, replication int, config map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, CreatedTopic{Topic: topic, Partitions: partitions, Replication: replication, Config: config})
	return nil
}

func (p *Producer) Close() {}

func (p *Producer) SentMessages() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sent(nil), p.sent...)
}

func (p *Producer) CreatedTopics() []CreatedTopic {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CreatedTopic(nil), p.created...)
}
