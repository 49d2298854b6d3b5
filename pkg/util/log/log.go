// Package log holds the process-wide logger. Modules receive a logger
// through their constructors; the global covers code that runs before
// wiring is complete, like flag parsing and config loading.
package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is what the process logs through until InitLogger replaces
// it. The nop default keeps tests quiet.
var Logger kitlog.Logger = kitlog.NewNopLogger()

// InitLogger builds the process logger in the given format ("logfmt"
// or "json") at the given level, installs it as the global and returns
// it.
func InitLogger(logFormat string, logLevel dslog.Level) kitlog.Logger {
	l := dslog.NewGoKitWithWriter(logFormat, kitlog.NewSyncWriter(os.Stderr))
	l = kitlog.With(l, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// the filter goes on last so records below the level are dropped
	// before the timestamp and caller valuers run
	l = level.NewFilter(l, logLevel.Option)

	Logger = l
	return l
}
