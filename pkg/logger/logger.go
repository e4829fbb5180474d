package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the service logger. Development gets a console writer,
// everything else gets JSON lines on stdout.
func New(env string) zerolog.Logger {
	var w io.Writer

	if env == "development" || env == "dev" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	} else {
		w = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(w).With().
		Timestamp().
		Str("service", "skillswap-chat").
		Logger()
}

// Component returns a child logger tagged with the component name.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// WithUserID returns a logger with user_id field
func WithUserID(base zerolog.Logger, userID string) zerolog.Logger {
	return base.With().Str("user_id", userID).Logger()
}
