package changelog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/streamworker/pkg/streaming/broker"
	"github.com/grafana/streamworker/pkg/streaming/tp"
)

// fakeSeekingConsumer is an in-memory SeekingConsumer: Run replays a fixed
// set of records per TP starting from whatever offset was last sought.
type fakeSeekingConsumer struct {
	mu      sync.Mutex
	records map[tp.TP][]fakeRecord
	seeks   map[tp.TP]int64
	closed  chan struct{}
}

type fakeRecord struct {
	offset int64
	key    []byte
	value  []byte
}

func newFakeSeekingConsumer() *fakeSeekingConsumer {
	return &fakeSeekingConsumer{
		records: make(map[tp.TP][]fakeRecord),
		seeks:   make(map[tp.TP]int64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeSeekingConsumer) seed(t tp.TP, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := int64(0); i < int64(n); i++ {
		f.records[t] = append(f.records[t], fakeRecord{offset: i, key: nil, value: []byte("v")})
	}
}

func (f *fakeSeekingConsumer) SeekPartition(t tp.TP, offset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks[t] = offset
}

func (f *fakeSeekingConsumer) PerformSeek(context.Context) error { return nil }

func (f *fakeSeekingConsumer) Run(ctx context.Context, cb broker.MessageCallback) error {
	f.mu.Lock()
	var pending []struct {
		t tp.TP
		r fakeRecord
	}
	for t, recs := range f.records {
		start := f.seeks[t]
		for _, r := range recs {
			if r.offset >= start {
				pending = append(pending, struct {
					t tp.TP
					r fakeRecord
				}{t, r})
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
		msg := &broker.Message{Topic: p.t.Topic, Partition: p.t.Partition, Offset: p.r.offset, Key: p.r.key, Value: p.r.value}
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

func (f *fakeSeekingConsumer) Close() {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
}

type recordingApplier struct {
	mu      sync.Mutex
	applied []tp.TP
}

func (a *recordingApplier) Apply(t tp.TP, _, _ []byte) error {
	a.mu.Lock()
	a.applied = append(a.applied, t)
	a.mu.Unlock()
	return nil
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

// A reader seeded at offset 101 with a highwater of 150 replays the
// remaining records and reports recovered with offsets at 150.
func TestReader_ReplaysToHighwaterAndReportsRecovered(t *testing.T) {
	changelogTP := tp.New("T-log", 0)
	consumer := newFakeSeekingConsumer()
	consumer.seed(changelogTP, 150)

	applier := &recordingApplier{}
	initial := map[tp.TP]int64{changelogTP: 101}
	highwater := map[tp.TP]int64{changelogTP: 150}

	r := New("T", applier, consumer, tp.NewSet(changelogTP), initial, highwater, false)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not finish in time")
	}

	assert.True(t, r.Recovered())
	assert.Equal(t, int64(150), r.Offsets()[changelogTP])
	assert.Equal(t, 49, applier.count(), "only records 101..149 should be replayed")
}

// Stop() aborts a reader before it reaches highwater; Recovered() is false.
func TestReader_StopBeforeHighwaterLeavesUnrecovered(t *testing.T) {
	changelogTP := tp.New("T-log", 0)
	consumer := newFakeSeekingConsumer()
	// No records seeded: the reader blocks in Run waiting, never reaching
	// its highwater of 10 on its own.
	applier := &recordingApplier{}
	initial := map[tp.TP]int64{changelogTP: 0}
	highwater := map[tp.TP]int64{changelogTP: 10}

	r := New("T", applier, consumer, tp.NewSet(changelogTP), initial, highwater, false)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	r.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop in time")
	}

	assert.False(t, r.Recovered())
}

// A standby reader never reports recovered even once records matching
// "highwater" have been applied — it tails indefinitely until Stop.
func TestReader_StandbyNeverSelfReportsRecovered(t *testing.T) {
	changelogTP := tp.New("T-log", 0)
	consumer := newFakeSeekingConsumer()
	consumer.seed(changelogTP, 5)

	applier := &recordingApplier{}
	initial := map[tp.TP]int64{changelogTP: 0}
	highwater := map[tp.TP]int64{changelogTP: 5}

	r := New("T", applier, consumer, tp.NewSet(changelogTP), initial, highwater, true)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, r.Recovered())
	r.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("standby reader did not stop in time")
	}
	assert.False(t, r.Recovered())
	assert.Equal(t, 5, applier.count())
}
