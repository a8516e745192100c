// Package txnlog constructs the structured logger the Coordinator and CLI
// share, keyed to the three-level verbosity the original implementation
// exposed via --log-level (debug/info/none).
package txnlog

import (
	"io"

	"github.com/rs/zerolog"
)

// Level mirrors the source's LOG_LEVELS map.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelNone  Level = "none"
)

// New builds a zerolog.Logger writing to w at the given level. LevelNone
// disables logging entirely rather than merely raising the threshold, to
// match the source's NOTSET behavior (no handler output at all).
func New(w io.Writer, level Level) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	switch level {
	case LevelDebug:
		return logger.Level(zerolog.DebugLevel)
	case LevelInfo:
		return logger.Level(zerolog.InfoLevel)
	default:
		return logger.Level(zerolog.Disabled)
	}
}

// ParseLevel validates a --log-level flag value.
func ParseLevel(s string) (Level, bool) {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelNone:
		return Level(s), true
	default:
		return "", false
	}
}
