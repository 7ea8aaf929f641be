// Package log provides the process-wide structured logger used by every
// streamworker subsystem, built on go-kit/log with level filtering.
package log

import (
	"os"

	gokitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Logger is the package-level logger every subsystem logs through. It
// defaults to a no-op logger so tests and libraries embedding this package
// don't need to configure anything; InitLogger installs a real one.
var Logger gokitlog.Logger = gokitlog.NewNopLogger()

// Config controls how InitLogger builds the process logger.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
}

// InitLogger builds a logfmt logger writing to stderr, filtered to cfg.Level,
// and installs it as the package Logger.
func InitLogger(cfg Config) {
	l := gokitlog.NewLogfmtLogger(gokitlog.NewSyncWriter(os.Stderr))
	l = gokitlog.With(l, "ts", gokitlog.DefaultTimestampUTC, "caller", gokitlog.DefaultCaller)
	Logger = level.NewFilter(l, levelOption(cfg.Level))
}

func levelOption(lvl string) level.Option {
	switch lvl {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
