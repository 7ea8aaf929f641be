// Package topic implements Topic, the declarative description of one or
// more broker topics and the concrete Channel that publishes to and is
// fanned out from them.
package topic

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/grafana/streamworker/pkg/streaming/broker"
	serr "github.com/grafana/streamworker/pkg/streaming/errors"
	"github.com/grafana/streamworker/pkg/streaming/message"
	ulog "github.com/grafana/streamworker/pkg/util/log"
)

// Registry is the subset of the topic manager's API a Topic needs in order
// to register the clone it hands back from Iterator(): the registration
// relationship is non-owning, so Topic holds only this narrow handle,
// never the manager's full type.
type Registry interface {
	Add(t *Topic)
}

// Defaults carries the application-wide defaults substituted when a Topic
// is constructed without an explicit partition count or replication
// factor.
type Defaults struct {
	Partitions  int
	Replication int
}

// Config describes a Topic at construction time. Exactly one of Names or
// Pattern must be set.
type Config struct {
	Names   []string
	Pattern string

	Partitions  *int // nil means "use Defaults.Partitions"; explicit 0 is rejected
	Replication *int // nil means "use Defaults.Replication"

	Retention    int64 // seconds, 0 = broker default
	Compacting   bool
	Deleting     bool
	BrokerConfig map[string]string

	KeyModel   string
	ValueModel string
}

// Topic is a declarative description of one or more broker topics, and the
// concrete Channel implementation used to publish/consume them.
type Topic struct {
	producer broker.Producer
	registry Registry
	defaults Defaults

	names   []string
	pattern *regexp.Regexp

	partitions   int
	replication  int
	retention    int64
	compacting   bool
	deleting     bool
	brokerConfig map[string]string
	keyModel     string
	valueModel   string

	declared   atomic.Bool
	isIterator bool
	queue      chan *broker.Message

	mu sync.Mutex
}

// New validates cfg and constructs a Topic bound to producer (for
// publish/declare) and defaults (for partition/replication fallback).
// Returns serr.ErrBadTopicSpec if both Names and Pattern are set, or
// serr.ErrZeroPartitions if the effective partition count is 0 (see
// setPartitions).
func New(producer broker.Producer, registry Registry, defaults Defaults, cfg Config) (*Topic, error) {
	t := &Topic{
		producer:     producer,
		registry:     registry,
		defaults:     defaults,
		names:        cfg.Names,
		retention:    cfg.Retention,
		compacting:   cfg.Compacting,
		deleting:     cfg.Deleting,
		brokerConfig: cfg.BrokerConfig,
		keyModel:     cfg.KeyModel,
		valueModel:   cfg.ValueModel,
	}
	if cfg.Pattern != "" {
		if len(cfg.Names) > 0 {
			return nil, serr.Wrap(serr.ErrBadTopicSpec, "cannot specify both topics and pattern")
		}
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return nil, serr.Wrapf(serr.ErrBadTopicSpec, "invalid pattern: %v", err)
		}
		t.pattern = re
	}
	if err := t.setPartitions(cfg.Partitions); err != nil {
		return nil, err
	}
	t.setReplication(cfg.Replication)
	return t, nil
}

func (t *Topic) setPartitions(partitions *int) error {
	if partitions == nil {
		t.partitions = t.defaults.Partitions
	} else {
		if *partitions == 0 {
			return serr.Wrap(serr.ErrZeroPartitions, "topic cannot have 0 (zero) partitions")
		}
		t.partitions = *partitions
	}
	if t.partitions == 0 {
		return serr.Wrap(serr.ErrZeroPartitions, "topic cannot have 0 (zero) partitions")
	}
	return nil
}

func (t *Topic) setReplication(replication *int) {
	if replication == nil {
		t.replication = t.defaults.Replication
		return
	}
	t.replication = *replication
}

// Topics returns the configured topic names; Topics satisfies
// channel.Channel. For a pattern topic this is empty: names matched by the
// pattern on the broker are not added to it.
func (t *Topic) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.names...)
}

// Pattern returns the compiled regex for a pattern-based Topic, or nil.
func (t *Topic) Pattern() *regexp.Regexp {
	return t.pattern
}

// Partitions returns the effective partition count.
func (t *Topic) Partitions() int { return t.partitions }

// Replication returns the effective replication factor.
func (t *Topic) Replication() int { return t.replication }

// GetTopicName returns the first configured topic name, used as the
// publish destination when the caller didn't address a specific topic.
func (t *Topic) GetTopicName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.names) == 0 {
		return ""
	}
	return t.names[0]
}

// String renders the pattern source if pattern-based, else the
// comma-joined topic names.
func (t *Topic) String() string {
	if t.pattern != nil {
		return t.pattern.String()
	}
	return strings.Join(t.Topics(), ",")
}

// DeriveOpts overrides selected fields of the source Topic; zero/empty
// values mean "inherit from source".
type DeriveOpts struct {
	Names        []string
	Pattern      string
	Partitions   int
	Retention    int64
	Compacting   *bool
	Deleting     *bool
	BrokerConfig map[string]string
	KeyModel     string
	ValueModel   string
	Prefix       string
	Suffix       string
}

// Derive returns a new Topic copying this Topic's configuration, overriding
// only the fields supplied in opts. Prefix/suffix are forbidden on
// pattern-topics.
func (t *Topic) Derive(opts DeriveOpts) (*Topic, error) {
	if opts.Prefix != "" || opts.Suffix != "" {
		if t.pattern != nil {
			return nil, serr.Wrap(serr.ErrBadTopicSpec, "cannot add prefix/suffix to a pattern topic")
		}
	}

	names := t.Topics()
	if opts.Names != nil {
		names = opts.Names
	}
	if opts.Prefix != "" || opts.Suffix != "" {
		prefixed := make([]string, len(names))
		for i, n := range names {
			prefixed[i] = opts.Prefix + n + opts.Suffix
		}
		names = prefixed
	}

	partitions := t.partitions
	if opts.Partitions != 0 {
		partitions = opts.Partitions
	}
	replication := t.replication

	cfg := Config{
		Names:        names,
		Pattern:      t.patternSource(opts.Pattern),
		Partitions:   &partitions,
		Replication:  &replication,
		Retention:    firstNonZero64(opts.Retention, t.retention),
		Compacting:   derefOr(opts.Compacting, t.compacting),
		Deleting:     derefOr(opts.Deleting, t.deleting),
		BrokerConfig: mapOr(opts.BrokerConfig, t.brokerConfig),
		KeyModel:     stringOr(opts.KeyModel, t.keyModel),
		ValueModel:   stringOr(opts.ValueModel, t.valueModel),
	}
	// If a pattern was explicitly requested, names must not also be set,
	// matching the construction-time invariant.
	if cfg.Pattern != "" && opts.Names == nil && opts.Prefix == "" && opts.Suffix == "" {
		cfg.Names = nil
	}
	return New(t.producer, t.registry, t.defaults, cfg)
}

func (t *Topic) patternSource(override string) string {
	if override != "" {
		return override
	}
	if t.pattern != nil {
		return t.pattern.String()
	}
	return ""
}

func firstNonZero64(a, b int64) int64 {
	if a != 0 {
		return a
	}
	return b
}

func derefOr(p *bool, fallback bool) bool {
	if p != nil {
		return *p
	}
	return fallback
}

func stringOr(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func mapOr(a, b map[string]string) map[string]string {
	if a != nil {
		return a
	}
	return b
}

// MaybeDeclare declares each configured topic name with the broker exactly
// once per process (idempotent via the declared latch).
func (t *Topic) MaybeDeclare(ctx context.Context) error {
	if !t.declared.CAS(false, true) {
		return nil
	}
	return t.declare(ctx)
}

func (t *Topic) declare(ctx context.Context) error {
	cfg := t.effectiveBrokerConfig()
	for _, name := range t.Topics() {
		if err := t.producer.CreateTopic(ctx, name, t.partitions, t.replication, cfg); err != nil {
			return serr.Wrapf(serr.ErrBrokerIO, "create topic %q: %v", name, err)
		}
	}
	return nil
}

func (t *Topic) effectiveBrokerConfig() map[string]string {
	cfg := make(map[string]string, len(t.brokerConfig)+1)
	for k, v := range t.brokerConfig {
		cfg[k] = v
	}
	if t.compacting {
		cfg["cleanup.policy"] = "compact"
	}
	return cfg
}

// PublishMessage resolves the destination topic, lazily starts the
// producer (callers pass it in already started in this design; starting
// is idempotent at the Producer implementation), notifies sensors, and
// publishes either synchronously (wait=true) or fire-and-forget.
func (t *Topic) PublishMessage(ctx context.Context, fut *message.FutureMessage, wait bool) (*message.FutureMessage, error) {
	dest := t.destinationTopic(fut)
	key := fut.Message.Key
	value := fut.Message.Value

	level.Debug(ulog.Logger).Log("msg", "send", "topic", dest, "keysize", len(key), "valsize", len(value))

	if wait {
		meta, err := t.producer.SendAndWait(ctx, dest, key, value, fut.Message.Partition)
		if err != nil {
			fut.Resolve(nil, serr.Wrapf(serr.ErrPublishFailure, "publish to %q: %v", dest, err))
			return fut, err
		}
		fut.Resolve(&message.RecordMetadata{Topic: meta.Topic, Partition: meta.Partition, Offset: meta.Offset}, nil)
		return fut, nil
	}

	err := t.producer.Send(ctx, dest, key, value, fut.Message.Partition, func(meta *broker.RecordMetadata, sendErr error) {
		if sendErr != nil {
			fut.Resolve(nil, serr.Wrapf(serr.ErrPublishFailure, "publish to %q: %v", dest, sendErr))
			return
		}
		fut.Resolve(&message.RecordMetadata{Topic: meta.Topic, Partition: meta.Partition, Offset: meta.Offset}, nil)
	})
	if err != nil {
		return fut, err
	}
	return fut, nil
}

func (t *Topic) destinationTopic(fut *message.FutureMessage) string {
	switch c := fut.Message.Channel.(type) {
	case *Topic:
		return c.GetTopicName()
	case string:
		if c != "" {
			return c
		}
	}
	return t.GetTopicName()
}

// Deliver satisfies channel.Channel; it is overridden per-subscription by
// the concrete iterator channel returned from Iterator(), which owns the
// delivery queue user code reads from. The base Topic descriptor (not
// cloned as an iterator) is never a fan-out target itself.
func (t *Topic) Deliver(ctx context.Context, msg *broker.Message) error {
	if t.queue == nil {
		msg.Decref()
		return nil
	}
	select {
	case t.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Iterator returns a clone of this Topic marked as an iterator (a message
// sink) and registers it with the topic manager, giving the caller a
// consumable stream.
func (t *Topic) Iterator(bufferSize int) *Topic {
	clone := t.clone()
	clone.isIterator = true
	clone.queue = make(chan *broker.Message, bufferSize)
	if t.registry != nil {
		t.registry.Add(clone)
	}
	return clone
}

// Messages returns the channel of messages delivered to this iterator
// Topic by the topic manager's fan-out. Only valid on a Topic returned
// from Iterator(). The reader owns one reference per received message and
// must Decref it once done.
func (t *Topic) Messages() <-chan *broker.Message {
	return t.queue
}

func (t *Topic) clone() *Topic {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &Topic{
		producer:     t.producer,
		registry:     t.registry,
		defaults:     t.defaults,
		names:        append([]string(nil), t.names...),
		pattern:      t.pattern,
		partitions:   t.partitions,
		replication:  t.replication,
		retention:    t.retention,
		compacting:   t.compacting,
		deleting:     t.deleting,
		brokerConfig: t.brokerConfig,
		keyModel:     t.keyModel,
		valueModel:   t.valueModel,
	}
	return c
}

// IsIterator reports whether this clone is a consumable stream (vs a plain
// descriptor / publish target).
func (t *Topic) IsIterator() bool { return t.isIterator }

// Compacting/Deleting/BrokerConfig are exposed read-only for table-manager
// changelog topic declaration (compacted changelog topics) and for a
// caller-driven Delete operation.
func (t *Topic) Compacting() bool { return t.compacting }
func (t *Topic) Deleting() bool   { return t.deleting }

func (t *Topic) BrokerConfigMap() map[string]string { return t.brokerConfig }

// Delete explicitly removes the topic. Kafka-style brokers cannot shrink
// partition counts, so an explicit delete is the only lifecycle action
// Deleting gates; there is no automatic delete-on-revoke path.
func (t *Topic) Delete(ctx context.Context, admin TopicDeleter) error {
	if !t.deleting {
		return nil
	}
	return admin.DeleteTopics(ctx, t.Topics()...)
}

// TopicDeleter is the narrow admin-client contract Delete needs.
type TopicDeleter interface {
	DeleteTopics(ctx context.Context, names ...string) error
}
