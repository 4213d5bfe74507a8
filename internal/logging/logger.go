// Package logging configures the process-wide zerolog logger. Components get
// their own tagged logger via Component; well-known operational warnings carry
// an "event" field so they can be grepped and alerted on.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event codes attached to operational warnings.
const (
	EventNonceRetry      = "NONCE_RETRY"
	EventOrphanCleaned   = "ORPHAN_POSITION_CLEANED"
	EventDuplicate       = "DUPLICATE_SUPPRESSED"
	EventThrottled       = "THROTTLED"
	EventDailyLossLimit  = "DAILY_LOSS_LIMIT"
	EventPollerConflict  = "POLLER_CONFLICT"
	EventPersistDegraded = "PERSISTENCE_DEGRADED"
)

// Setup configures the global logger. Pretty output is for local runs; the
// default is JSON lines on stdout.
func Setup(level string, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(parseLevel(level))

	var w io.Writer = os.Stdout
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// Component returns a logger tagged for a long-lived component.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
