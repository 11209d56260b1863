// Package relaylog is the structured logger shared by every package in
// this module: one process-wide zerolog logger, JSON by default,
// swappable by the host application.
package relaylog

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// Logger returns the logger currently in use.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// SetLogger replaces the package-wide logger. Host applications call
// this once at startup to redirect output or attach fields.
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}

// With starts a contextual event at the given level, e.g.
// relaylog.With(zerolog.DebugLevel).Str("url", u).Msg("connecting").
func With(level zerolog.Level) *zerolog.Event {
	l := Logger()
	return l.WithLevel(level)
}
