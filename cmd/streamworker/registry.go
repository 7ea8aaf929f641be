package main

import (
	"fmt"
	"sync"

	"github.com/grafana/streamworker/pkg/streaming/channel"
	"github.com/grafana/streamworker/pkg/streaming/topic"
	"github.com/grafana/streamworker/pkg/streaming/topicmanager"
)

// Registry is the process-wide topic registry and channel resolver: the
// thing user code's app.Topic(...) calls bind against.
type Registry struct {
	topicManager *topicmanager.Manager

	mu     sync.Mutex
	byName map[string]channel.Channel
}

// NewRegistry constructs a Registry that forwards every declared iterator
// Topic to topicManager's fan-out subscription set.
func NewRegistry(topicManager *topicmanager.Manager) *Registry {
	return &Registry{
		topicManager: topicManager,
		byName:       make(map[string]channel.Channel),
	}
}

// Add implements topic.Registry: every iterator clone a Topic hands out
// registers itself here so it can both be resolved by name (ChannelResolver)
// and receive fan-out deliveries (topicmanager.Manager.Add).
func (r *Registry) Add(t *topic.Topic) {
	r.mu.Lock()
	for _, name := range t.Topics() {
		r.byName[name] = t
	}
	r.mu.Unlock()
	r.topicManager.Add(t)
}

// Resolve implements attachment.ChannelResolver: look up a previously
// declared topic by its concrete topic name.
func (r *Registry) Resolve(name string) (channel.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("no topic declared for %q", name)
	}
	return ch, nil
}
