// Package logging centralizes the charmbracelet/log setup used across this
// repository, mirroring the per-component prefixed loggers client2 builds
// with log.NewWithOptions (e.g. "client2/conn").
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// ParseLevel maps a config string ("debug", "info", "warn", "error") to a
// charmbracelet/log level, defaulting to Info on anything unrecognized.
func ParseLevel(s string) log.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// New builds a logger prefixed with component, writing to w (os.Stderr if
// nil) at the given level.
func New(w io.Writer, component string, level log.Level) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          component,
	})
	l.SetLevel(level)
	return l
}
