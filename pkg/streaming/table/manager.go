package table

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/streamworker/pkg/streaming/changelog"
	serr "github.com/grafana/streamworker/pkg/streaming/errors"
	"github.com/grafana/streamworker/pkg/streaming/tp"
	ulog "github.com/grafana/streamworker/pkg/util/log"
)

// RevokeFlightRecorderTimeout is how long a revocation's stages may run
// before being annotated in logs; it does not interrupt progress.
const RevokeFlightRecorderTimeout = 60 * time.Second

// ChangelogConsumerFactory builds a fresh SeekingConsumer scoped to one
// changelog topic, independent of the live consumer the topic manager
// owns — recovery seeks and replays on its own consumer so it never
// perturbs the main fan-out's position.
type ChangelogConsumerFactory func(ctx context.Context, changelogTopic string) (changelog.SeekingConsumer, error)

// HighwaterFunc answers the end offset (one past the last produced record)
// for a changelog topic's partitions, the same contract
// pkg/ingest.PartitionOffsetClient satisfies.
type HighwaterFunc func(ctx context.Context, changelogTopic string, partitionIDs []int32) (map[int32]int64, error)

// LiveConsumer is the slice of broker.Consumer the table manager drives
// directly: pause/resume around recovery and perform_seek to align the
// main consumer once table_offsets are known.
type LiveConsumer interface {
	PausePartitions(tps tp.Set)
	ResumePartitions(tps tp.Set)
	SeekPartition(t tp.TP, offset int64)
	PerformSeek(ctx context.Context) error
}

// Manager is the table manager: it owns every registered Table,
// orchestrates changelog recovery on assignment, and runs standbys for
// partitions assigned to peers.
type Manager struct {
	assignor     PartitionAssignor
	liveConsumer LiveConsumer
	newConsumer  ChangelogConsumerFactory
	highwater    HighwaterFunc

	mu             sync.Mutex
	tables         map[string]Table
	changelogIndex map[string]Table
	tableOffsets   map[tp.TP]tp.Offset

	recoveryStarted   atomic.Bool
	recoveryCompleted atomic.Bool

	recoveryMu   sync.Mutex
	recoveryTask *recoveryTask
	revivers     []*changelog.Reader
	standbys     []*changelog.Reader
}

type recoveryTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Manager. liveConsumer is the shared consumer the topic
// manager also drives; newConsumer builds a scratch consumer per changelog
// topic for recovery/standby reading; highwater answers last-produced
// offsets for a changelog topic's partitions.
func New(assignor PartitionAssignor, liveConsumer LiveConsumer, newConsumer ChangelogConsumerFactory, highwater HighwaterFunc) *Manager {
	return &Manager{
		assignor:       assignor,
		liveConsumer:   liveConsumer,
		newConsumer:    newConsumer,
		highwater:      highwater,
		tables:         make(map[string]Table),
		changelogIndex: make(map[string]Table),
		tableOffsets:   make(map[tp.TP]tp.Offset),
	}
}

// Add registers table by name. Fails ErrAddTooLate once recovery has
// started for the current assignment cycle, and ErrDuplicateTable on a
// name collision.
func (m *Manager) Add(table Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recoveryStarted.Load() {
		return serr.Wrap(serr.ErrAddTooLate, table.Name())
	}
	if _, exists := m.tables[table.Name()]; exists {
		return serr.Wrap(serr.ErrDuplicateTable, table.Name())
	}
	m.tables[table.Name()] = table
	m.changelogIndex[table.ChangelogTopic()] = table
	return nil
}

// TableOffsets returns a snapshot of the per-TP table offsets: the
// monotone maximum of every observed persisted and replayed offset.
func (m *Manager) TableOffsets() map[tp.TP]tp.Offset {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[tp.TP]tp.Offset, len(m.tableOffsets))
	for t, o := range m.tableOffsets {
		out[t] = o
	}
	return out
}

// RecoveryCompleted reports whether the current assignment cycle's
// recovery has reached its completed latch.
func (m *Manager) RecoveryCompleted() bool { return m.recoveryCompleted.Load() }

// OnPartitionsAssigned starts a background recovery task bound to
// assigned. It is an error to call this while a previous recovery is
// still in flight and not yet aborted/completed; callers must revoke
// first.
func (m *Manager) OnPartitionsAssigned(ctx context.Context, assigned tp.Set) error {
	m.recoveryMu.Lock()
	if m.recoveryTask != nil {
		m.recoveryMu.Unlock()
		return serr.New("on_partitions_assigned called while a recovery is already in flight")
	}
	taskCtx, cancel := context.WithCancel(context.Background())
	task := &recoveryTask{cancel: cancel, done: make(chan struct{})}
	m.recoveryTask = task
	m.recoveryMu.Unlock()

	m.recoveryStarted.Store(true)
	m.recoveryCompleted.Store(false)

	go func() {
		m.runRecovery(taskCtx, assigned)
		close(task.done)

		// Release the in-flight handle so the next assignment cycle can
		// start without an intervening revoke; only overlapping cycles
		// are rejected. maybeAbortOngoingRecovery performs the same
		// identity-guarded clear when it gets there first.
		m.recoveryMu.Lock()
		if m.recoveryTask == task {
			m.recoveryTask = nil
		}
		m.recoveryMu.Unlock()
	}()

	return nil
}

// OnPartitionsRevoked aborts any in-flight recovery, stops standbys, and
// forwards the revocation to every table. The flight-recorder timer only
// annotates a slow revocation in the logs; it never interrupts progress.
func (m *Manager) OnPartitionsRevoked(ctx context.Context, revoked tp.Set) error {
	recorder := time.AfterFunc(RevokeFlightRecorderTimeout, func() {
		level.Warn(ulog.Logger).Log("msg", "partition revocation still in progress", "timeout", RevokeFlightRecorderTimeout, "partitions", len(revoked))
	})
	defer recorder.Stop()

	m.maybeAbortOngoingRecovery()
	level.Info(ulog.Logger).Log("msg", "recovery aborted for revocation", "partitions", len(revoked))

	m.stopStandbys()
	level.Info(ulog.Logger).Log("msg", "standbys stopped")

	m.mu.Lock()
	tables := make([]Table, 0, len(m.tables))
	for _, t := range m.tables {
		tables = append(tables, t)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tables {
		t := t
		g.Go(func() error { return t.OnPartitionsRevoked(gctx, revoked) })
	}
	if err := g.Wait(); err != nil {
		level.Warn(ulog.Logger).Log("msg", "table revocation callback failed", "err", err)
	}

	m.recoveryStarted.Store(false)
	return nil
}

// Stop aborts any in-flight recovery and stops running standbys; safe to
// call at process shutdown regardless of recovery state.
func (m *Manager) Stop() {
	m.maybeAbortOngoingRecovery()
	m.stopStandbys()
}

// maybeAbortOngoingRecovery stops every active reviver concurrently
// ("wait for all"), then awaits the recovery task itself. Safe to call
// whether or not a recovery is in flight.
func (m *Manager) maybeAbortOngoingRecovery() {
	m.recoveryMu.Lock()
	task := m.recoveryTask
	revivers := append([]*changelog.Reader(nil), m.revivers...)
	m.recoveryMu.Unlock()

	if task == nil {
		return
	}

	changelog.StopAll(revivers)
	task.cancel()

	<-task.done

	m.recoveryMu.Lock()
	if m.recoveryTask == task {
		m.recoveryTask = nil
	}
	m.recoveryMu.Unlock()
}

func (m *Manager) stopStandbys() {
	m.recoveryMu.Lock()
	standbys := append([]*changelog.Reader(nil), m.standbys...)
	m.standbys = nil
	m.recoveryMu.Unlock()

	for _, s := range standbys {
		m.foldOffsets(s.Offsets())
	}
	changelog.StopAll(standbys)
}

func (m *Manager) foldOffsets(observed map[tp.TP]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for t, o := range observed {
		if o == tp.OffsetUnknown {
			continue
		}
		if existing, ok := m.tableOffsets[t]; !ok || o > existing {
			m.tableOffsets[t] = o
		}
	}
}

// runRecovery pauses changelog partitions on the live consumer, replays
// every table's changelog to its highwater, then swaps tables live,
// realigns the consumer, and starts standbys.
func (m *Manager) runRecovery(ctx context.Context, assigned tp.Set) {
	start := time.Now()
	actives := m.assignor.AssignedActives()
	standbyTPs := m.assignor.AssignedStandbys()

	for t := range actives {
		if !assigned.Contains(t) {
			level.Warn(ulog.Logger).Log("msg", "assignor reported an active outside the assignment", "tp", t.String())
		}
	}

	m.mu.Lock()
	tables := make([]Table, 0, len(m.tables))
	for _, t := range m.tables {
		tables = append(tables, t)
	}
	changelogTopics := make(map[string]struct{}, len(m.changelogIndex))
	for name := range m.changelogIndex {
		changelogTopics[name] = struct{}{}
	}
	m.mu.Unlock()

	changelogTPs := tp.NewSet()
	for t := range actives {
		if _, ok := changelogTopics[t.Topic]; ok {
			changelogTPs[t] = struct{}{}
		}
	}
	m.liveConsumer.PausePartitions(changelogTPs)

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tables {
		t := t
		g.Go(func() error { return t.OnPartitionsAssigned(gctx, assigned) })
	}
	if err := g.Wait(); err != nil {
		level.Warn(ulog.Logger).Log("msg", "table on_partitions_assigned failed", "err", err)
		return
	}

	revivers, err := m.buildReaders(ctx, tables, actives, false)
	if err != nil {
		level.Warn(ulog.Logger).Log("msg", "recovery interrupted: build revivers", "err", err)
		return
	}
	m.recoveryMu.Lock()
	m.revivers = revivers
	m.recoveryMu.Unlock()

	var runG errgroup.Group
	for _, r := range revivers {
		r := r
		runG.Go(func() error { return r.Run(ctx) })
	}

	var waitG errgroup.Group
	for _, r := range revivers {
		r := r
		waitG.Go(func() error { return r.WaitDoneReading(ctx) })
	}
	_ = waitG.Wait()

	recovered := true
	for _, r := range revivers {
		m.foldOffsets(r.Offsets())
		if !r.Recovered() {
			recovered = false
		}
	}
	changelog.StopAll(revivers)
	_ = runG.Wait()

	m.recoveryMu.Lock()
	m.revivers = nil
	m.recoveryMu.Unlock()

	// A reviver that never reached its highwater — whether from an apply
	// error or because a revocation stopped it early — means this cycle is
	// interrupted: no recover callbacks, no standbys, no recovery-completed
	// latch.
	if ctx.Err() != nil || !recovered {
		metricRecoveryInterrupted.Inc()
		level.Warn(ulog.Logger).Log("msg", "recovery interrupted", "reason", serr.ErrRecoveryInterrupted.Error())
		return
	}

	for _, t := range tables {
		if err := t.CallRecoverCallbacks(ctx); err != nil {
			level.Warn(ulog.Logger).Log("msg", "recover callback failed", "table", t.Name(), "err", err)
		}
	}

	tableOffsets := m.TableOffsets()
	nonChangelog := tp.NewSet()
	for t := range assigned {
		if _, isChangelog := changelogTopics[t.Topic]; !isChangelog {
			nonChangelog[t] = struct{}{}
			if off, ok := tableOffsets[t]; ok {
				m.liveConsumer.SeekPartition(t, off)
			}
		}
	}
	if err := m.liveConsumer.PerformSeek(ctx); err != nil {
		level.Warn(ulog.Logger).Log("msg", "perform_seek after recovery failed", "err", err)
		return
	}

	standbys, err := m.buildReaders(ctx, tables, standbyTPs, true)
	if err != nil {
		level.Warn(ulog.Logger).Log("msg", "failed to start standbys", "err", err)
	} else {
		m.recoveryMu.Lock()
		m.standbys = standbys
		m.recoveryMu.Unlock()
		for _, s := range standbys {
			s := s
			go func() { _ = s.Run(ctx) }()
		}
	}

	m.recoveryCompleted.Store(true)
	m.liveConsumer.ResumePartitions(nonChangelog)
	metricRecoveryDuration.Observe(time.Since(start).Seconds())
	level.Info(ulog.Logger).Log("msg", "recovery completed", "tables", len(tables), "duration", time.Since(start))
}

// buildReaders constructs one Reader per table whose changelog topic has
// TPs within wanted. Each TP is seeded with the next offset to read: the
// larger of the manager's own known position and the record after the
// table's last durably applied one.
func (m *Manager) buildReaders(ctx context.Context, tables []Table, wanted tp.Set, standby bool) ([]*changelog.Reader, error) {
	var readers []*changelog.Reader
	for _, t := range tables {
		tableTPs := tp.NewSet()
		for w := range wanted {
			if w.Topic == t.ChangelogTopic() {
				tableTPs[w] = struct{}{}
			}
		}
		if len(tableTPs) == 0 {
			continue
		}

		partitionIDs := make([]int32, 0, len(tableTPs))
		for w := range tableTPs {
			partitionIDs = append(partitionIDs, w.Partition)
		}
		highwaters, err := m.highwater(ctx, t.ChangelogTopic(), partitionIDs)
		if err != nil {
			return nil, serr.Wrapf(serr.ErrBrokerIO, "fetch highwater for %q: %v", t.ChangelogTopic(), err)
		}

		initial := make(map[tp.TP]int64, len(tableTPs))
		hw := make(map[tp.TP]int64, len(tableTPs))
		m.mu.Lock()
		for w := range tableTPs {
			// tableOffsets already holds next-to-read positions;
			// PersistedOffset is the last applied record, so the reader
			// resumes one past it.
			seed := m.tableOffsets[w]
			if persisted := t.PersistedOffset(w); persisted != tp.OffsetUnknown && persisted+1 > seed {
				seed = persisted + 1
			}
			initial[w] = seed
			hw[w] = highwaters[w.Partition]
		}
		m.mu.Unlock()

		consumer, err := m.newConsumer(ctx, t.ChangelogTopic())
		if err != nil {
			return nil, serr.Wrapf(serr.ErrBrokerIO, "build changelog consumer for %q: %v", t.ChangelogTopic(), err)
		}

		readers = append(readers, changelog.New(t.Name(), applierFunc(t.Apply), consumer, tableTPs, initial, hw, standby))
	}
	return readers, nil
}

// applierFunc adapts a plain Apply function to changelog.Applier.
type applierFunc func(t tp.TP, key, value []byte) error

func (f applierFunc) Apply(t tp.TP, key, value []byte) error { return f(t, key, value) }
