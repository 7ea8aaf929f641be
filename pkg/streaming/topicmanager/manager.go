// Package topicmanager implements the single-consumer fan-out plane:
// one consumer subscribes to the union of all declared topics/patterns and
// multiplexes each delivered message to every in-process channel that
// subscribed to that topic.
package topicmanager

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/streamworker/pkg/streaming/broker"
	"github.com/grafana/streamworker/pkg/streaming/channel"
	serr "github.com/grafana/streamworker/pkg/streaming/errors"
	"github.com/grafana/streamworker/pkg/streaming/tp"
	ulog "github.com/grafana/streamworker/pkg/util/log"
)

// GracePeriod is the delay after first start before the initial broker
// subscribe call, giving in-process processors a chance to declare their
// topics so the first subscribe captures all of them. Var rather than
// const so tests can shrink it.
var GracePeriod = 2 * time.Second

// deliveryUnit is one (channel, message) fan-out job.
type deliveryUnit struct {
	ch  channel.Channel
	msg *broker.Message
}

// Manager owns the single broker consumer, the registered subscriber set,
// and the fan-out plumbing from inbound broker messages to subscribing
// channels.
type Manager struct {
	consumer broker.Consumer

	mu       sync.RWMutex
	topics   map[channel.Channel]struct{}
	topicMap map[string]map[channel.Channel]struct{}

	pending    chan deliveryUnit
	queueDepth int

	subChanged   chan struct{}
	subAppliedMu sync.Mutex
	subApplied   chan struct{}

	cancel context.CancelFunc
}

// New constructs a Manager over consumer. queueDepth bounds the pending
// delivery queue; enqueueing blocks the consumer loop when it is full,
// which is what backpressures the broker poll.
func New(consumer broker.Consumer, queueDepth int) *Manager {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	return &Manager{
		consumer:   consumer,
		topics:     make(map[channel.Channel]struct{}),
		topicMap:   make(map[string]map[channel.Channel]struct{}),
		pending:    make(chan deliveryUnit, queueDepth),
		queueDepth: queueDepth,
		subChanged: make(chan struct{}, 1),
	}
}

// Add registers ch as a subscriber. Idempotent; flags a subscription
// change so the subscriber task resubscribes with ch's topics included.
func (m *Manager) Add(ch channel.Channel) {
	m.mu.Lock()
	if _, ok := m.topics[ch]; ok {
		m.mu.Unlock()
		return
	}
	m.topics[ch] = struct{}{}
	m.rebuildTopicMapLocked()
	m.mu.Unlock()

	m.flagChange()
}

// Discard unregisters ch. Idempotent; symmetric with Add.
func (m *Manager) Discard(ch channel.Channel) {
	m.mu.Lock()
	if _, ok := m.topics[ch]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.topics, ch)
	m.rebuildTopicMapLocked()
	m.mu.Unlock()

	m.flagChange()
}

// rebuildTopicMapLocked recomputes topic-name -> subscriber set. Caller
// must hold m.mu.
func (m *Manager) rebuildTopicMapLocked() {
	next := make(map[string]map[channel.Channel]struct{})
	for ch := range m.topics {
		for _, name := range ch.Topics() {
			set, ok := next[name]
			if !ok {
				set = make(map[channel.Channel]struct{})
				next[name] = set
			}
			set[ch] = struct{}{}
		}
	}
	m.topicMap = next
}

func (m *Manager) flagChange() {
	m.subAppliedMu.Lock()
	if m.subApplied == nil || latchFired(m.subApplied) {
		// Re-arm the applied latch: the pending change has not reached the
		// broker yet, so waiters must block until the next resubscribe.
		m.subApplied = make(chan struct{})
	}
	m.subAppliedMu.Unlock()

	select {
	case m.subChanged <- struct{}{}:
	default:
	}
}

func latchFired(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (m *Manager) topicNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.topicMap))
	for name := range m.topicMap {
		names = append(names, name)
	}
	return names
}

func (m *Manager) subscribersFor(topic string) []channel.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.topicMap[topic]
	out := make([]channel.Channel, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	return out
}

// Start launches the subscriber task, the delivery dispatcher, and the
// broker consume loop. Start blocks until ctx is cancelled or Stop is
// called.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.subscriberTask(gctx) })
	g.Go(func() error { return m.dispatcher(gctx) })
	g.Go(func() error { return m.consumer.Run(gctx, m.onMessage) })

	return g.Wait()
}

// Stop cancels the manager's background tasks.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// subscriberTask sleeps for the grace period to let processors declare
// their topics, then subscribes, then loops resubscribing whenever
// Add/Discard flags a change.
func (m *Manager) subscriberTask(ctx context.Context) error {
	select {
	case <-time.After(GracePeriod):
	case <-ctx.Done():
		return nil
	}

	// Changes flagged during the grace period are all covered by the first
	// subscribe; drop their pending signal so it does not trigger a second.
	select {
	case <-m.subChanged:
	default:
	}
	if err := m.resubscribe(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.subChanged:
			if err := m.resubscribe(ctx); err != nil {
				return err
			}
		}
	}
}

func (m *Manager) resubscribe(ctx context.Context) error {
	names := m.topicNames()
	if err := m.consumer.Subscribe(ctx, names); err != nil {
		return serr.Wrapf(serr.ErrBrokerIO, "subscribe: %v", err)
	}
	level.Info(ulog.Logger).Log("msg", "subscription applied", "topics", len(names))

	m.subAppliedMu.Lock()
	if m.subApplied == nil {
		fired := make(chan struct{})
		close(fired)
		m.subApplied = fired
	} else if !latchFired(m.subApplied) {
		close(m.subApplied)
	}
	m.subAppliedMu.Unlock()
	return nil
}

// WaitForSubscriptions blocks until the current subscription state has
// been applied to the broker (the subscription-applied latch has fired).
func (m *Manager) WaitForSubscriptions(ctx context.Context) error {
	m.subAppliedMu.Lock()
	if m.subApplied == nil {
		m.subApplied = make(chan struct{})
	}
	ch := m.subApplied
	m.subAppliedMu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onMessage is the broker.MessageCallback driving fan-out: look up the
// subscribers, take one reference per subscriber up front, then enqueue a
// delivery unit for each.
func (m *Manager) onMessage(ctx context.Context, msg *broker.Message) error {
	subscribers := m.subscribersFor(msg.Topic)
	if len(subscribers) == 0 {
		return nil
	}

	// Bulk-increment before any delivery begins, so no channel's decref
	// can reach zero prematurely.
	msg.IncrefBulk(len(subscribers))
	metricFanoutMessages.Inc()

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range subscribers {
		ch := ch
		g.Go(func() error {
			select {
			case m.pending <- deliveryUnit{ch: ch, msg: msg}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// dispatcher drains the pending queue and routes every unit to a worker
// dedicated to its channel, started on first use. The pending queue and
// the dispatcher are both FIFO and each channel has exactly one worker,
// so a channel receives messages from a given partition in broker offset
// order no matter how long individual deliveries take; concurrency is
// bounded at one in-flight delivery per channel. A full per-channel queue
// blocks the dispatcher, which in turn fills the pending queue and
// backpressures the consume loop.
func (m *Manager) dispatcher(ctx context.Context) error {
	queues := make(map[channel.Channel]chan deliveryUnit)
	var wg sync.WaitGroup
	defer func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case unit := <-m.pending:
			metricFanoutQueueLength.Set(float64(len(m.pending)))
			q, ok := queues[unit.ch]
			if !ok {
				q = make(chan deliveryUnit, m.queueDepth)
				queues[unit.ch] = q
				wg.Add(1)
				go func() {
					defer wg.Done()
					m.deliverLoop(ctx, q)
				}()
			}
			select {
			case q <- unit:
			case <-ctx.Done():
				unit.msg.Decref()
				return nil
			}
		}
	}
}

// deliverLoop serializes deliveries to one channel. A successful Deliver
// transfers the message reference to the channel (which decrefs once it's
// done with the message); the loop only drops the reference itself when
// delivery fails and the channel never saw it.
func (m *Manager) deliverLoop(ctx context.Context, q <-chan deliveryUnit) {
	for unit := range q {
		if err := unit.ch.Deliver(ctx, unit.msg); err != nil {
			level.Warn(ulog.Logger).Log("msg", "delivery failed", "topic", unit.msg.Topic, "err", err)
			unit.msg.Decref()
		}
	}
}

// Commit delegates to the broker consumer's commit. This is the call site
// user code uses to commit offsets, which in turn is what releases the
// attachment buffer's pending messages for the same (tp, offset).
func (m *Manager) Commit(ctx context.Context, tps tp.Set) (bool, error) {
	return m.consumer.Commit(ctx, tps)
}

// OnPartitionsAssigned/OnPartitionsRevoked are pass-throughs in this
// design; partition-assignment state lives in the table manager.
func (m *Manager) OnPartitionsAssigned(context.Context, tp.Set) error { return nil }
func (m *Manager) OnPartitionsRevoked(context.Context, tp.Set) error  { return nil }

// String renders a short diagnostic identity for log lines.
func (m *Manager) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return "TopicManager(" + strconv.Itoa(len(m.topics)) + ")"
}
