/*
Logic: structured logging setup for the daemon, mirroring the teacher
gateway's logger.New — console writer in pretty mode, JSON otherwise.
*/

package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a base logger for the daemon. pretty selects a
// human-readable console writer (development/interactive use);
// otherwise logs are newline-delimited JSON to stderr.
func New(pretty bool) zerolog.Logger {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if pretty {
		out := zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
