package attachment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/streamworker/pkg/streaming/broker"
	"github.com/grafana/streamworker/pkg/streaming/message"
	"github.com/grafana/streamworker/pkg/streaming/tp"
)

// fakeChannel records every publish it's asked to perform.
type fakeChannel struct {
	mu        sync.Mutex
	published []*message.FutureMessage
}

func (f *fakeChannel) Topics() []string { return []string{"out"} }

func (f *fakeChannel) PublishMessage(_ context.Context, fut *message.FutureMessage, _ bool) (*message.FutureMessage, error) {
	f.mu.Lock()
	f.published = append(f.published, fut)
	f.mu.Unlock()
	fut.Resolve(&message.RecordMetadata{Topic: "out", Partition: 0, Offset: int64(len(f.published))}, nil)
	return fut, nil
}

func (f *fakeChannel) Deliver(context.Context, *broker.Message) error { return nil }

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// Committing offset 5 publishes only the message attached at 5; the one
// attached at 7 stays pending until its own commit.
func TestBuffer_CommitReleasesOnlyCommittedOffset(t *testing.T) {
	buf := New(nil)
	ch := &fakeChannel{}
	partTP := tp.New("A", 0)

	futA, err := buf.Put(context.Background(), SourceMessage{TP: partTP, Offset: 5}, ch, []byte("ka"), []byte("va"), PutOpts{})
	require.NoError(t, err)
	futB, err := buf.Put(context.Background(), SourceMessage{TP: partTP, Offset: 7}, ch, []byte("kb"), []byte("vb"), PutOpts{})
	require.NoError(t, err)

	assert.False(t, futA.Done())
	assert.False(t, futB.Done())

	require.NoError(t, buf.Commit(context.Background(), partTP, 5))
	assert.True(t, futA.Done())
	assert.False(t, futB.Done())
	assert.Equal(t, 1, ch.count())

	require.NoError(t, buf.Commit(context.Background(), partTP, 7))
	assert.True(t, futB.Done())
	assert.Equal(t, 2, ch.count())
}

// A FutureMessage is never published before its offset is committed, and
// is published at most once even under concurrent commits.
func TestBuffer_CommitIsIdempotentUnderConcurrency(t *testing.T) {
	buf := New(nil)
	ch := &fakeChannel{}
	partTP := tp.New("A", 0)

	fut, err := buf.Put(context.Background(), SourceMessage{TP: partTP, Offset: 1}, ch, nil, nil, PutOpts{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = buf.Commit(context.Background(), partTP, 1)
		}()
	}
	wg.Wait()

	meta, pubErr := fut.Wait()
	require.NoError(t, pubErr)
	require.NotNil(t, meta)
	assert.Equal(t, 1, ch.count(), "fut must be published exactly once across concurrent commits")
}

// After Commit returns successfully, the (tp, offset) bucket is gone.
func TestBuffer_CommitRemovesOffsetBucket(t *testing.T) {
	buf := New(nil)
	ch := &fakeChannel{}
	partTP := tp.New("A", 0)

	_, err := buf.Put(context.Background(), SourceMessage{TP: partTP, Offset: 9}, ch, nil, nil, PutOpts{})
	require.NoError(t, err)
	require.Equal(t, 1, buf.Depth())

	require.NoError(t, buf.Commit(context.Background(), partTP, 9))
	assert.Equal(t, 0, buf.Depth())

	// A second commit of the same offset is a documented no-op.
	require.NoError(t, buf.Commit(context.Background(), partTP, 9))
	assert.Equal(t, 1, ch.count())
}

// On revocation of a TP, pending attachments are dropped without
// publish.
func TestBuffer_DropPartitionDoesNotPublish(t *testing.T) {
	buf := New(nil)
	ch := &fakeChannel{}
	partTP := tp.New("A", 0)

	fut, err := buf.Put(context.Background(), SourceMessage{TP: partTP, Offset: 3}, ch, nil, nil, PutOpts{})
	require.NoError(t, err)

	buf.DropPartition(partTP)

	select {
	case <-time.After(10 * time.Millisecond):
	}
	assert.True(t, fut.Done(), "dropped future must resolve (failed) rather than hang forever")
	_, pubErr := fut.Wait()
	assert.Error(t, pubErr)
	assert.Equal(t, 0, ch.count())
	assert.Equal(t, 0, buf.Depth())

	// Subsequent commit of the now-dropped TP/offset is a no-op.
	require.NoError(t, buf.Commit(context.Background(), partTP, 3))
	assert.Equal(t, 0, ch.count())
}

func TestBuffer_MaybePutForceBypassesAttachment(t *testing.T) {
	buf := New(nil)
	ch := &fakeChannel{}

	fut, err := buf.MaybePut(context.Background(), ch, []byte("k"), []byte("v"), PutOpts{}, true)
	require.NoError(t, err)
	assert.True(t, fut.Done(), "force=true must publish immediately")
	assert.Equal(t, 1, ch.count())
}

func TestBuffer_MaybePutAttachesWhenCurrentEventInScope(t *testing.T) {
	buf := New(nil)
	ch := &fakeChannel{}
	src := SourceMessage{TP: tp.New("in", 0), Offset: 42}
	ctx := WithCurrentEvent(context.Background(), src)

	fut, err := buf.MaybePut(ctx, ch, []byte("k"), []byte("v"), PutOpts{}, false)
	require.NoError(t, err)
	assert.False(t, fut.Done(), "attached future must not publish before commit")
	assert.Equal(t, 1, buf.Depth())

	require.NoError(t, buf.Commit(context.Background(), src.TP, src.Offset))
	assert.True(t, fut.Done())
	assert.Equal(t, 1, ch.count())
}
