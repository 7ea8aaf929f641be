package table

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/streamworker/pkg/streaming/broker"
	"github.com/grafana/streamworker/pkg/streaming/changelog"
	serr "github.com/grafana/streamworker/pkg/streaming/errors"
	"github.com/grafana/streamworker/pkg/streaming/tp"
)

// fakeAssignor reports a fixed actives/standbys split.
type fakeAssignor struct {
	actives  tp.Set
	standbys tp.Set
}

func (f fakeAssignor) AssignedActives() tp.Set  { return f.actives }
func (f fakeAssignor) AssignedStandbys() tp.Set { return f.standbys }

// fakeLiveConsumer records every pause/resume/seek call.
type fakeLiveConsumer struct {
	mu        sync.Mutex
	paused    []tp.Set
	resumed   []tp.Set
	seeks     map[tp.TP]int64
	seekCalls int
}

func newFakeLiveConsumer() *fakeLiveConsumer {
	return &fakeLiveConsumer{seeks: make(map[tp.TP]int64)}
}

func (f *fakeLiveConsumer) PausePartitions(tps tp.Set) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, tps)
}

func (f *fakeLiveConsumer) ResumePartitions(tps tp.Set) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, tps)
}

func (f *fakeLiveConsumer) SeekPartition(t tp.TP, offset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks[t] = offset
}

func (f *fakeLiveConsumer) PerformSeek(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seekCalls++
	return nil
}

// fakeChangelogConsumer is a minimal SeekingConsumer replaying seeded
// records once, then blocking until ctx/close.
type fakeChangelogConsumer struct {
	mu      sync.Mutex
	records map[tp.TP][]int64 // offsets available, in order
	seeks   map[tp.TP]int64
	closed  chan struct{}
}

func newFakeChangelogConsumer() *fakeChangelogConsumer {
	return &fakeChangelogConsumer{
		records: make(map[tp.TP][]int64),
		seeks:   make(map[tp.TP]int64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeChangelogConsumer) seed(t tp.TP, upTo int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := int64(0); i < upTo; i++ {
		f.records[t] = append(f.records[t], i)
	}
}

func (f *fakeChangelogConsumer) SeekPartition(t tp.TP, offset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks[t] = offset
}

func (f *fakeChangelogConsumer) seekFor(t tp.TP) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seeks[t]
}

func (f *fakeChangelogConsumer) PerformSeek(context.Context) error { return nil }

func (f *fakeChangelogConsumer) Run(ctx context.Context, cb broker.MessageCallback) error {
	f.mu.Lock()
	type rec struct {
		t   tp.TP
		off int64
	}
	var pending []rec
	for t, offs := range f.records {
		start := f.seeks[t]
		for _, o := range offs {
			if o >= start {
				pending = append(pending, rec{t, o})
			}
		}
	}
	f.mu.Unlock()

	for _, p := range pending {
		select {
		case <-ctx.Done():
			return nil
		case <-f.closed:
			return nil
		default:
		}
		msg := &broker.Message{Topic: p.t.Topic, Partition: p.t.Partition, Offset: p.off}
		if err := cb(ctx, msg); err != nil {
			return err
		}
	}
	select {
	case <-ctx.Done():
		return nil
	case <-f.closed:
		return nil
	}
}

func (f *fakeChangelogConsumer) Close() {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
}

// fakeTable is a Table backed by an in-memory applied-records log.
type fakeTable struct {
	name      string
	clogTopic string

	persisted map[tp.TP]tp.Offset

	mu            sync.Mutex
	applied       int
	recoverCalled int
	assignedCalls []tp.Set
	revokedCalls  []tp.Set
}

func newFakeTable(name, changelogTopic string) *fakeTable {
	return &fakeTable{name: name, clogTopic: changelogTopic, persisted: make(map[tp.TP]tp.Offset)}
}

func (f *fakeTable) Name() string           { return f.name }
func (f *fakeTable) ChangelogTopic() string { return f.clogTopic }

func (f *fakeTable) PersistedOffset(t tp.TP) tp.Offset {
	if o, ok := f.persisted[t]; ok {
		return o
	}
	return tp.OffsetUnknown
}

func (f *fakeTable) Apply(tp.TP, []byte, []byte) error {
	f.mu.Lock()
	f.applied++
	f.mu.Unlock()
	return nil
}

func (f *fakeTable) OnPartitionsAssigned(_ context.Context, assigned tp.Set) error {
	f.mu.Lock()
	f.assignedCalls = append(f.assignedCalls, assigned)
	f.mu.Unlock()
	return nil
}

func (f *fakeTable) OnPartitionsRevoked(_ context.Context, revoked tp.Set) error {
	f.mu.Lock()
	f.revokedCalls = append(f.revokedCalls, revoked)
	f.mu.Unlock()
	return nil
}

func (f *fakeTable) CallRecoverCallbacks(context.Context) error {
	f.mu.Lock()
	f.recoverCalled++
	f.mu.Unlock()
	return nil
}

func (f *fakeTable) recoverCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recoverCalled
}

func (f *fakeTable) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

func waitForManager(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not satisfied within %s", timeout)
}

// Add after recovery has started is rejected.
func TestManager_AddTooLateAfterRecoveryStarted(t *testing.T) {
	table := newFakeTable("T", "T-log")
	liveConsumer := newFakeLiveConsumer()
	m := New(fakeAssignor{}, liveConsumer, func(context.Context, string) (changelog.SeekingConsumer, error) {
		return newFakeChangelogConsumer(), nil
	}, func(context.Context, string, []int32) (map[int32]int64, error) {
		return map[int32]int64{}, nil
	})

	require.NoError(t, m.Add(table))

	require.NoError(t, m.OnPartitionsAssigned(context.Background(), tp.NewSet()))
	waitForManager(t, time.Second, func() bool { return m.recoveryStarted.Load() })

	err := m.Add(newFakeTable("T2", "T2-log"))
	require.Error(t, err)
	assert.ErrorIs(t, err, serr.ErrAddTooLate)
}

func TestManager_AddDuplicateTableRejected(t *testing.T) {
	m := New(fakeAssignor{}, newFakeLiveConsumer(), nil, nil)
	require.NoError(t, m.Add(newFakeTable("T", "T-log")))

	err := m.Add(newFakeTable("T", "T-log-2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, serr.ErrDuplicateTable)
}

// Recovery happy path: a table whose last durably applied record is at
// offset 100 with a highwater of 150 resumes at 101, replays the gap,
// fires recover callbacks, completes, and resumes non-changelog TPs.
func TestManager_RecoveryHappyPath(t *testing.T) {
	changelogTP := tp.New("T-log", 0)
	dataTP := tp.New("data", 0)

	table := newFakeTable("T", "T-log")
	table.persisted[changelogTP] = 100

	consumer := newFakeChangelogConsumer()
	consumer.seed(changelogTP, 150)

	liveConsumer := newFakeLiveConsumer()

	m := New(
		fakeAssignor{actives: tp.NewSet(changelogTP, dataTP)},
		liveConsumer,
		func(context.Context, string) (changelog.SeekingConsumer, error) { return consumer, nil },
		func(_ context.Context, _ string, partitionIDs []int32) (map[int32]int64, error) {
			out := make(map[int32]int64, len(partitionIDs))
			for _, id := range partitionIDs {
				out[id] = 150
			}
			return out, nil
		},
	)
	require.NoError(t, m.Add(table))

	require.NoError(t, m.OnPartitionsAssigned(context.Background(), tp.NewSet(changelogTP, dataTP)))

	waitForManager(t, 2*time.Second, m.RecoveryCompleted)

	assert.Equal(t, int64(101), consumer.seekFor(changelogTP), "reviver must resume one past the persisted offset")
	assert.Equal(t, 49, table.appliedCount(), "only records 101..149 should be replayed")
	assert.Equal(t, int64(150), m.TableOffsets()[changelogTP])
	assert.Equal(t, 1, table.recoverCount())
	assert.GreaterOrEqual(t, liveConsumer.seekCalls, 1)
	assert.NotEmpty(t, liveConsumer.resumed)
}

// A new assignment cycle can start without an intervening revoke once the
// previous recovery finished; only overlapping cycles are rejected.
func TestManager_SuccessiveAssignmentsAfterCompletion(t *testing.T) {
	changelogTP := tp.New("T-log", 0)
	table := newFakeTable("T", "T-log")

	m := New(
		fakeAssignor{actives: tp.NewSet(changelogTP)},
		newFakeLiveConsumer(),
		func(context.Context, string) (changelog.SeekingConsumer, error) {
			c := newFakeChangelogConsumer()
			c.seed(changelogTP, 10)
			return c, nil
		},
		func(_ context.Context, _ string, partitionIDs []int32) (map[int32]int64, error) {
			out := make(map[int32]int64, len(partitionIDs))
			for _, id := range partitionIDs {
				out[id] = 10
			}
			return out, nil
		},
	)
	require.NoError(t, m.Add(table))

	require.NoError(t, m.OnPartitionsAssigned(context.Background(), tp.NewSet(changelogTP)))
	waitForManager(t, 2*time.Second, func() bool { return table.recoverCount() == 1 })

	// The in-flight handle clears shortly after completion; retry until
	// the next cycle is accepted.
	waitForManager(t, time.Second, func() bool {
		return m.OnPartitionsAssigned(context.Background(), tp.NewSet(changelogTP)) == nil
	})
	waitForManager(t, 2*time.Second, func() bool { return table.recoverCount() == 2 })
}

// Revoking immediately after assignment aborts recovery; the
// recovery-completed latch is never set for that cycle.
func TestManager_RevokeDuringRecoveryAborts(t *testing.T) {
	changelogTP := tp.New("T-log", 0)

	table := newFakeTable("T", "T-log")
	consumer := newFakeChangelogConsumer()
	// No records seeded: the reviver blocks forever on its own, so recovery
	// is still in flight when we revoke.

	liveConsumer := newFakeLiveConsumer()

	m := New(
		fakeAssignor{actives: tp.NewSet(changelogTP)},
		liveConsumer,
		func(context.Context, string) (changelog.SeekingConsumer, error) { return consumer, nil },
		func(_ context.Context, _ string, partitionIDs []int32) (map[int32]int64, error) {
			out := make(map[int32]int64, len(partitionIDs))
			for _, id := range partitionIDs {
				out[id] = 1_000_000
			}
			return out, nil
		},
	)
	require.NoError(t, m.Add(table))

	require.NoError(t, m.OnPartitionsAssigned(context.Background(), tp.NewSet(changelogTP)))
	waitForManager(t, time.Second, func() bool { return len(table.assignedCalls) == 1 })

	require.NoError(t, m.OnPartitionsRevoked(context.Background(), tp.NewSet(changelogTP)))

	assert.False(t, m.RecoveryCompleted())
	assert.Equal(t, 0, table.recoverCalled)
	assert.Len(t, table.revokedCalls, 1)
}
