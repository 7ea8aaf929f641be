// Package message defines the outbound record types shared between the
// attachment buffer and the topic/channel layer: FutureMessage and
// RecordMetadata.
package message

import (
	"sync"

	"github.com/grafana/streamworker/pkg/streaming/tp"
)

// RecordMetadata is what the broker returns on a successful publish.
type RecordMetadata struct {
	Topic     string
	Partition int32
	Offset    int64
}

// SentCallback is invoked once a FutureMessage resolves, successfully or not.
type SentCallback func(*RecordMetadata, error)

// Status is the resolution state of a FutureMessage.
type Status int

const (
	Pending Status = iota
	Published
	Failed
)

// PendingMessage is a not-yet-published outbound record: the byte-encoded
// key/value plus destination hints. Channel is either a channel handle
// (something implementing channel.Channel) or a plain topic name string;
// it is declared as `any` here to avoid an import cycle with the channel
// package, which itself depends on this package for FutureMessage.
type PendingMessage struct {
	Channel   any
	Key       []byte
	Value     []byte
	Partition *int32 // nil means "let the broker/partitioner choose"
	Callback  SentCallback
}

// FutureMessage is a not-yet-published outbound record plus a completion
// handle. It resolves exactly once, either to Published (with metadata) or
// Failed (with an error).
type FutureMessage struct {
	mu       sync.Mutex
	resolved chan struct{}
	once     sync.Once

	Message PendingMessage

	status   Status
	metadata *RecordMetadata
	err      error
}

// NewFuture returns a new, unresolved FutureMessage wrapping msg.
func NewFuture(msg PendingMessage) *FutureMessage {
	return &FutureMessage{
		Message:  msg,
		resolved: make(chan struct{}),
		status:   Pending,
	}
}

// Resolved returns an already-resolved FutureMessage, for handing back an
// immediate result without a pending publish.
func Resolved(msg PendingMessage, meta *RecordMetadata, err error) *FutureMessage {
	fm := NewFuture(msg)
	fm.Resolve(meta, err)
	return fm
}

// Resolve completes the future exactly once. Subsequent calls are no-ops,
// so callers racing to resolve the same future cannot publish it twice.
func (f *FutureMessage) Resolve(meta *RecordMetadata, err error) {
	f.once.Do(func() {
		f.mu.Lock()
		if err != nil {
			f.status = Failed
			f.err = err
		} else {
			f.status = Published
			f.metadata = meta
		}
		cb := f.Message.Callback
		f.mu.Unlock()
		close(f.resolved)
		if cb != nil {
			cb(meta, err)
		}
	})
}

// Wait blocks until the future resolves and returns its outcome.
func (f *FutureMessage) Wait() (*RecordMetadata, error) {
	<-f.resolved
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadata, f.err
}

// Done reports whether the future has resolved without blocking.
func (f *FutureMessage) Done() bool {
	select {
	case <-f.resolved:
		return true
	default:
		return false
	}
}

// Status reports the current resolution state.
func (f *FutureMessage) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Attachment is a (source_offset, FutureMessage) pair held in the
// attachment buffer. Offsets are committed by exact match, so no ordered
// structure is needed; this is a plain struct.
type Attachment struct {
	SourceOffset tp.Offset
	Future       *FutureMessage
}
