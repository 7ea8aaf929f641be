package main

import (
	"flag"

	"github.com/grafana/streamworker/pkg/ingest"
	ulog "github.com/grafana/streamworker/pkg/util/log"
)

// Config is the top-level configuration for one streamworker process: where
// to find the broker, and the knobs every subsystem needs, defaulted by
// RegisterFlagsAndApplyDefaults.
type Config struct {
	Log      ulog.Config        `yaml:"log"`
	Consumer ingest.KafkaConfig `yaml:"consumer"`
	Producer ingest.KafkaConfig `yaml:"producer"`

	// QueueDepth bounds the topic manager's pending fan-out delivery queue.
	QueueDepth int `yaml:"fan_out_queue_depth"`
}

// RegisterFlagsAndApplyDefaults registers every subsystem's flags under
// prefix and applies their defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Log.Level, prefix+"log.level", "info", "Log level: debug, info, warn, error.")
	c.Consumer.RegisterFlagsWithPrefix(prefix+"consumer.kafka", f)
	c.Producer.RegisterFlagsWithPrefix(prefix+"producer.kafka", f)
	f.IntVar(&c.QueueDepth, prefix+"fan-out-queue-depth", 1024, "Bound on the topic manager's pending fan-out delivery queue.")
}
