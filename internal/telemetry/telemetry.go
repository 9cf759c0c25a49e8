// Package telemetry builds the zerolog logger every other package takes
// by value, matching the teacher's console-writer bootstrap in cmd/agent.
package telemetry

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger builds a console-rendered logger at the given component name,
// mirroring the teacher's log.With().Str("comp", ...).Logger() pattern.
func NewLogger(component string, debug bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	base := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	if component != "" {
		base = base.With().Str("comp", component).Logger()
	}
	return base
}
