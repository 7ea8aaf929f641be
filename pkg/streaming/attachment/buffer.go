// Package attachment implements the per-source-message outbox: when a
// processor produces downstream messages while handling an input message,
// those outputs are buffered here and only published once the input's
// offset is committed.
package attachment

import (
	"context"
	"sync"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/streamworker/pkg/streaming/channel"
	"github.com/grafana/streamworker/pkg/streaming/message"
	"github.com/grafana/streamworker/pkg/streaming/tp"
	ulog "github.com/grafana/streamworker/pkg/util/log"
)

// ChannelResolver resolves a string topic name to a channel.Channel,
// used when Put is called with a bare topic name instead of a channel
// handle.
type ChannelResolver interface {
	Resolve(name string) (channel.Channel, error)
}

// SourceMessage identifies the inbound record an outbound message is being
// attached to.
type SourceMessage struct {
	TP     tp.TP
	Offset tp.Offset
}

// Buffer is the attachment buffer: mapping TP -> (offset -> list<FutureMessage>).
// Every entry pertains to a TP the local consumer has (or recently had)
// assigned; entries are removed atomically on commit of that offset or on
// partition revocation.
type Buffer struct {
	resolver ChannelResolver

	mu      sync.Mutex
	pending map[tp.TP]map[tp.Offset][]*message.FutureMessage
}

// New constructs an empty attachment buffer. resolver is used by Put when
// given a bare topic name instead of a channel.Channel.
func New(resolver ChannelResolver) *Buffer {
	return &Buffer{
		resolver: resolver,
		pending:  make(map[tp.TP]map[tp.Offset][]*message.FutureMessage),
	}
}

// PutOpts carries the optional fields accepted by MaybePut/Put.
type PutOpts struct {
	Partition *int32
	Callback  message.SentCallback
}

// MaybePut is the opt-out entry point: if force is false and a current
// event is in scope (installed into ctx by the processor dispatch loop via
// WithCurrentEvent), the message is attached to that event's source
// offset. Otherwise it is published immediately and a resolved
// FutureMessage is returned.
func (b *Buffer) MaybePut(ctx context.Context, ch any, key, value []byte, opts PutOpts, force bool) (*message.FutureMessage, error) {
	pending := b.resolvePending(ch, key, value, opts)

	if !force {
		if src, ok := CurrentEvent(ctx); ok {
			return b.put(src, pending), nil
		}
	}

	resolved, err := b.resolveChannel(ch)
	if err != nil {
		return nil, err
	}
	// Immediate publishes wait for the broker ack so callers get back an
	// already-resolved future, mirroring the attach path where resolution
	// happens at commit time.
	fut := message.NewFuture(pending)
	return resolved.PublishMessage(ctx, fut, true)
}

// Put enqueues a FutureMessage into buffer[source.TP][source.Offset]. It
// returns the FutureMessage immediately; the future resolves once the
// source offset is committed and the subsequent publish completes.
func (b *Buffer) Put(ctx context.Context, src SourceMessage, ch any, key, value []byte, opts PutOpts) (*message.FutureMessage, error) {
	if _, err := b.resolveChannel(ch); err != nil {
		return nil, err
	}
	pending := b.resolvePending(ch, key, value, opts)
	return b.put(src, pending), nil
}

func (b *Buffer) resolvePending(ch any, key, value []byte, opts PutOpts) message.PendingMessage {
	return message.PendingMessage{
		Channel:   ch,
		Key:       key,
		Value:     value,
		Partition: opts.Partition,
		Callback:  opts.Callback,
	}
}

func (b *Buffer) resolveChannel(ch any) (channel.Channel, error) {
	switch c := ch.(type) {
	case channel.Channel:
		return c, nil
	case string:
		if b.resolver == nil {
			return nil, errResolverRequired
		}
		return b.resolver.Resolve(c)
	default:
		return nil, errBadChannel
	}
}

func (b *Buffer) put(src SourceMessage, pending message.PendingMessage) *message.FutureMessage {
	fut := message.NewFuture(pending)

	b.mu.Lock()
	offsets, ok := b.pending[src.TP]
	if !ok {
		offsets = make(map[tp.Offset][]*message.FutureMessage)
		b.pending[src.TP] = offsets
	}
	offsets[src.Offset] = append(offsets[src.Offset], fut)
	metricPendingBuckets.Set(float64(b.depthLocked()))
	b.mu.Unlock()

	return fut
}

// Commit atomically removes the list at buffer[tp][offset] (a concurrent
// Commit for the same key observes nothing and is a no-op), then publishes
// each attached FutureMessage and waits for all of them. Commit itself
// does not fail on an individual attachment publish failure; the failure
// surfaces on that future, not on the commit that released it.
func (b *Buffer) Commit(ctx context.Context, t tp.TP, offset tp.Offset) error {
	attached := b.takeAttachments(t, offset)
	if len(attached) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, fut := range attached {
		fut := fut
		resolved, err := b.resolveChannel(fut.Message.Channel)
		if err != nil {
			fut.Resolve(nil, err)
			continue
		}
		g.Go(func() error {
			if _, pubErr := resolved.PublishMessage(gctx, fut, false); pubErr != nil {
				level.Warn(ulog.Logger).Log("msg", "attached publish failed", "tp", t.String(), "offset", offset, "err", pubErr)
				return nil
			}
			// Await the broker ack so Commit returns only once every
			// released attachment has actually resolved; an individual
			// publish failure surfaces to whoever holds the future, not
			// to the commit (best-effort semantics).
			if _, pubErr := fut.Wait(); pubErr != nil {
				level.Warn(ulog.Logger).Log("msg", "attached publish failed", "tp", t.String(), "offset", offset, "err", pubErr)
			}
			return nil
		})
	}
	return g.Wait()
}

// takeAttachments removes and returns the attachment list for (t, offset)
// under lock, before any publish is attempted; both commit idempotence and
// drop-on-revoke depend on removal happening first.
func (b *Buffer) takeAttachments(t tp.TP, offset tp.Offset) []*message.FutureMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	offsets, ok := b.pending[t]
	if !ok {
		return nil
	}
	attached := offsets[offset]
	delete(offsets, offset)
	if len(offsets) == 0 {
		delete(b.pending, t)
	}
	metricPendingBuckets.Set(float64(b.depthLocked()))
	return attached
}

// DropPartition removes all pending attachments for t without publishing
// them, for use on partition revocation: a worker must never publish
// outputs for inputs it never committed.
func (b *Buffer) DropPartition(t tp.TP) {
	b.mu.Lock()
	offsets, ok := b.pending[t]
	delete(b.pending, t)
	metricPendingBuckets.Set(float64(b.depthLocked()))
	b.mu.Unlock()

	if !ok {
		return
	}
	for offset, futs := range offsets {
		for _, fut := range futs {
			fut.Resolve(nil, errDroppedOnRevoke)
		}
		level.Debug(ulog.Logger).Log("msg", "dropped attachments on revoke", "tp", t.String(), "offset", offset, "count", len(futs))
	}
}

// Depth returns the number of pending (tp, offset) buckets across all TPs,
// for metrics/tests.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depthLocked()
}

func (b *Buffer) depthLocked() int {
	n := 0
	for _, offsets := range b.pending {
		n += len(offsets)
	}
	return n
}
