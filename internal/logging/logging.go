package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger: human-readable console output in
// development, JSON everywhere else.
func New(appEnv string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if appEnv == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
