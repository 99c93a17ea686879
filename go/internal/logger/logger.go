// Package logger builds the root zerolog logger for a binary.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// New returns a logger for env. Local environments get console output,
// everything else gets JSON. Passing writers overrides the output.
func New(env, level string, writers ...io.Writer) (zerolog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.DurationFieldUnit = time.Millisecond

	var output io.Writer
	switch {
	case len(writers) > 0:
		output = io.MultiWriter(writers...)
	case isLocal(env):
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	default:
		output = os.Stdout
	}
	return zerolog.New(output).With().Timestamp().Logger().Level(lvl), nil
}

// Install builds the logger and makes it the global one used via zerolog/log.
func Install(env, level, service string) error {
	l, err := New(env, level)
	if err != nil {
		return err
	}
	log.Logger = l.With().Str("service", service).Logger()
	return nil
}

func isLocal(env string) bool {
	switch strings.ToLower(env) {
	case "local", "dev", "development":
		return true
	}
	return false
}

func parseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(level))
}
