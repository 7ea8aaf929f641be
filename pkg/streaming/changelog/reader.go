// Package changelog implements the bounded and unbounded changelog
// readers: consume one compacted topic's partitions from a starting offset,
// apply each record to a table's state store, and report completion once
// every assigned partition reaches the highwater observed at construction.
package changelog

import (
	"context"
	"sync"

	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/streamworker/pkg/streaming/broker"
	serr "github.com/grafana/streamworker/pkg/streaming/errors"
	"github.com/grafana/streamworker/pkg/streaming/tp"
	ulog "github.com/grafana/streamworker/pkg/util/log"
)

// Applier receives every changelog record read for TP, in offset order, and
// applies it to the table's backing state store.
type Applier interface {
	Apply(t tp.TP, key, value []byte) error
}

// SeekingConsumer is the narrow slice of broker.Consumer a Reader drives
// directly: seek-then-run over a fixed set of TPs, independent of the main
// topic manager's consumer.
type SeekingConsumer interface {
	SeekPartition(t tp.TP, offset int64)
	PerformSeek(ctx context.Context) error
	Run(ctx context.Context, cb broker.MessageCallback) error
	Close()
}

// Reader is a changelog reader (bounded) or standby reader (unbounded,
// standby=true). Both share the seek/consume/apply mechanics; only the
// "done reading" termination differs.
type Reader struct {
	table    string
	applier  Applier
	consumer SeekingConsumer
	standby  bool

	mu        sync.Mutex
	offsets   map[tp.TP]int64
	highwater map[tp.TP]int64
	recovered bool

	stopped atomic.Bool
	done    chan struct{}
}

// New constructs a Reader over consumer, seeded at initial[tp] (absent TPs
// start at earliest, offset 0), bounded by highwater[tp]. standby=true
// builds a reader that never reports done.
func New(table string, applier Applier, consumer SeekingConsumer, tps tp.Set, initial, highwater map[tp.TP]int64, standby bool) *Reader {
	offsets := make(map[tp.TP]int64, len(tps))
	hw := make(map[tp.TP]int64, len(tps))
	for t := range tps {
		start := initial[t]
		offsets[t] = start
		hw[t] = highwater[t]
		consumer.SeekPartition(t, start)
	}
	return &Reader{
		table:     table,
		applier:   applier,
		consumer:  consumer,
		standby:   standby,
		offsets:   offsets,
		highwater: hw,
		done:      make(chan struct{}),
	}
}

// Run drives the reader's consume loop until every TP reaches its
// highwater (bounded reader), ctx is cancelled, or Stop is called. It
// returns once the reader is finished one way or another; the caller
// inspects Recovered() afterward.
func (r *Reader) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.consumer.PerformSeek(ctx); err != nil {
		return serr.Wrapf(serr.ErrBrokerIO, "changelog seek: %v", err)
	}

	if r.allAtHighwater() {
		r.markRecovered(true)
		close(r.done)
		return nil
	}

	runErr := r.consumer.Run(ctx, func(_ context.Context, msg *broker.Message) error {
		t := msg.TP()
		if err := r.applier.Apply(t, msg.Key, msg.Value); err != nil {
			level.Warn(ulog.Logger).Log("msg", "changelog apply failed", "table", r.table, "tp", t.String(), "err", err)
			return serr.Wrapf(serr.ErrBrokerIO, "apply changelog record for %s: %v", t, err)
		}

		r.mu.Lock()
		r.offsets[t] = msg.Offset + 1
		done := !r.standby && r.allAtHighwaterLocked()
		r.mu.Unlock()

		if done {
			cancel()
		}
		return nil
	})

	r.mu.Lock()
	r.recovered = !r.standby && r.allAtHighwaterLocked() && runErr == nil
	r.mu.Unlock()

	select {
	case <-r.done:
	default:
		close(r.done)
	}

	if runErr != nil && r.stopped.Load() {
		// A Stop()-triggered cancellation is not a failure; Recovered()
		// already reflects "not all TPs reached highwater" on its own.
		return nil
	}
	return runErr
}

func (r *Reader) allAtHighwater() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allAtHighwaterLocked()
}

func (r *Reader) allAtHighwaterLocked() bool {
	if r.standby {
		return false
	}
	for t, hw := range r.highwater {
		if r.offsets[t] < hw {
			return false
		}
	}
	return true
}

func (r *Reader) markRecovered(v bool) {
	r.mu.Lock()
	r.recovered = v
	r.mu.Unlock()
}

// Offsets returns a snapshot of the next offset to read per TP: one past
// the last applied record, or the seed offset if nothing was applied yet.
func (r *Reader) Offsets() map[tp.TP]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[tp.TP]int64, len(r.offsets))
	for t, o := range r.offsets {
		out[t] = o
	}
	return out
}

// Recovered reports whether every assigned TP reached its highwater
// without error. Always false for a standby reader.
func (r *Reader) Recovered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recovered
}

// Done reports whether the reader has finished (bounded readers only;
// standbys never close this on their own — Stop is the only way they end).
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

// Stop aborts the reader's consume loop as soon as practicable.
func (r *Reader) Stop() {
	if r.stopped.CAS(false, true) {
		r.consumer.Close()
	}
}

// WaitDoneReading blocks until the reader is done or ctx is cancelled.
func (r *Reader) WaitDoneReading(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll concurrently stops every reader in readers ("wait for all"),
// used by the table manager's abort contract.
func StopAll(readers []*Reader) {
	var g errgroup.Group
	for _, r := range readers {
		r := r
		g.Go(func() error {
			r.Stop()
			return nil
		})
	}
	_ = g.Wait()
}
