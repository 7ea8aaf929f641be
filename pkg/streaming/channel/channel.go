// Package channel defines Channel, the subscription-endpoint contract
// shared by Topic and consumed by the attachment buffer and the topic
// manager. Topic is its concrete implementation; this package exists to
// let the buffer and manager depend on the interface without importing
// the concrete topic package (which in turn depends on the broker client).
package channel

import (
	"context"

	"github.com/grafana/streamworker/pkg/streaming/broker"
	"github.com/grafana/streamworker/pkg/streaming/message"
)

// Channel is a subscription endpoint: something that can be published to
// and that receives fanned-out broker messages from the topic manager.
type Channel interface {
	// Topics returns the concrete topic names this channel corresponds to
	// (a pattern-based Topic returns none; its pattern is not resolved
	// against the broker's topic list).
	Topics() []string

	// PublishMessage resolves the destination, encodes nothing further
	// (key/value are already bytes), and publishes fut either
	// synchronously (wait=true) or fire-and-forget (wait=false).
	PublishMessage(ctx context.Context, fut *message.FutureMessage, wait bool) (*message.FutureMessage, error)

	// Deliver is called by the topic manager's fan-out for every broker
	// message routed to this channel. Implementations must not block
	// indefinitely; the topic manager relies on a bounded delivery queue
	// upstream of this call for backpressure.
	Deliver(ctx context.Context, msg *broker.Message) error
}
