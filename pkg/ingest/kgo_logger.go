package ingest

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kgoLogger adapts a go-kit log.Logger to kgo.Logger, the interface the
// franz-go client uses for its own internal diagnostics (reconnects,
// rebalances, produce retries).
type kgoLogger struct {
	logger log.Logger
}

func newKgoLogger(logger log.Logger) *kgoLogger {
	return &kgoLogger{logger: logger}
}

func (l *kgoLogger) Level() kgo.LogLevel {
	return kgo.LogLevelInfo
}

func (l *kgoLogger) Log(lvl kgo.LogLevel, msg string, keyvals ...any) {
	args := make([]any, 0, len(keyvals)+2)
	args = append(args, "msg", msg)
	args = append(args, keyvals...)

	switch lvl {
	case kgo.LogLevelError:
		level.Error(l.logger).Log(args...)
	case kgo.LogLevelWarn:
		level.Warn(l.logger).Log(args...)
	case kgo.LogLevelDebug:
		level.Debug(l.logger).Log(args...)
	default:
		level.Info(l.logger).Log(args...)
	}
}
