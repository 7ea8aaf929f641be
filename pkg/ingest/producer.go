package ingest

import (
	"context"
	"errors"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/streamworker/pkg/streaming/broker"
)

// Producer adapts a *kgo.Client to broker.Producer. One Producer is shared
// across every Topic in the process.
type Producer struct {
	client *kgo.Client
	admin  *kadm.Client

	replicationFactor int
}

// NewProducer builds a Producer over client, which must already be
// configured in producer mode via commonKafkaClientOptions.
func NewProducer(client *kgo.Client, replicationFactor int) *Producer {
	return &Producer{
		client:            client,
		admin:             kadm.NewClient(client),
		replicationFactor: replicationFactor,
	}
}

func (p *Producer) record(topic string, key, value []byte, partition *int32) *kgo.Record {
	r := &kgo.Record{Topic: topic, Key: key, Value: value}
	if partition != nil {
		r.Partition = *partition
	}
	return r
}

// Send publishes asynchronously; franz-go's own buffering and retry policy
// own delivery from here. The produce promise forwards the outcome to ack,
// which is how an attached FutureMessage eventually resolves after its
// source offset was committed.
func (p *Producer) Send(ctx context.Context, topic string, key, value []byte, partition *int32, ack func(*broker.RecordMetadata, error)) error {
	p.client.Produce(ctx, p.record(topic, key, value, partition), func(r *kgo.Record, err error) {
		if ack == nil {
			return
		}
		if err != nil {
			ack(nil, err)
			return
		}
		ack(&broker.RecordMetadata{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset}, nil)
	})
	return nil
}

func (p *Producer) SendAndWait(ctx context.Context, topic string, key, value []byte, partition *int32) (*broker.RecordMetadata, error) {
	result := p.client.ProduceSync(ctx, p.record(topic, key, value, partition))
	if err := result.FirstErr(); err != nil {
		return nil, err
	}
	r := result[0].Record
	return &broker.RecordMetadata{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset}, nil
}

func (p *Producer) CreateTopic(ctx context.Context, topic string, partitions, replication int, config map[string]string) error {
	if replication <= 0 {
		replication = p.replicationFactor
	}

	configs := make(map[string]*string, len(config))
	for k, v := range config {
		v := v
		configs[k] = &v
	}

	resp, err := p.admin.CreateTopic(ctx, int32(partitions), int16(replication), configs, topic)
	if err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
		return err
	}
	if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
		return resp.Err
	}
	return nil
}

func (p *Producer) Close() {
	p.admin.Close()
	p.client.Close()
}
