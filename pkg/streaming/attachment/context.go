package attachment

import (
	"context"

	serr "github.com/grafana/streamworker/pkg/streaming/errors"
)

type currentEventKey struct{}

// WithCurrentEvent installs the source message a processor is currently
// handling into ctx. A processor's dispatch loop calls this before
// invoking user code, and MaybePut reads it back out to decide whether an
// outbound message should be attached to the input's offset rather than
// published immediately.
//
// Go has no implicit per-goroutine locals, so the dispatch context is
// threaded explicitly instead of living in a task-local.
func WithCurrentEvent(ctx context.Context, src SourceMessage) context.Context {
	return context.WithValue(ctx, currentEventKey{}, src)
}

// CurrentEvent returns the source message installed by WithCurrentEvent,
// if any.
func CurrentEvent(ctx context.Context) (SourceMessage, bool) {
	v, ok := ctx.Value(currentEventKey{}).(SourceMessage)
	return v, ok
}

var (
	errBadChannel       = serr.New("attachment: channel must be a channel.Channel or a topic name string")
	errResolverRequired = serr.New("attachment: a ChannelResolver is required to resolve topic names")
	errDroppedOnRevoke  = serr.New("attachment dropped: partition revoked before commit")
)
