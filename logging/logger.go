// Package logging builds the zerolog loggers used by the command line tools
// and provides a hook that logs hook positions as they fire.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New returns a JSON logger writing to w, tagged with the app name.
func New(app string, level zerolog.Level, w io.Writer) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("app", app).
		Logger()
}

// InitConsole installs a human readable logger on stdout as the global
// zerolog logger and returns it.
func InitConsole(app string, level zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger := New(app, level, output)
	log.Logger = logger

	return logger
}

// ParseLevel maps a level name to a zerolog level. Unknown and empty names
// map to info.
func ParseLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}

	return level
}
