// Package telemetry carries structured conversion events to an arbitrary
// sink. The engine emits; consumption is the caller's business.
package telemetry

import (
	"time"

	"github.com/rs/zerolog"
)

// Event describes one conversion attempt.
type Event struct {
	Format   string
	Template string
	Duration time.Duration
	Err      error
}

// Sink receives conversion events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Record(event Event)
}

// Nop discards every event.
func Nop() Sink {
	return nopSink{}
}

type nopSink struct{}

func (nopSink) Record(Event) {}

// NewLoggerSink emits one structured log line per event.
func NewLoggerSink(log zerolog.Logger) Sink {
	return &loggerSink{log: log}
}

type loggerSink struct {
	log zerolog.Logger
}

func (s *loggerSink) Record(event Event) {
	entry := s.log.Info()
	if event.Err != nil {
		entry = s.log.Error().Err(event.Err)
	}
	entry.
		Str("format", event.Format).
		Str("template", event.Template).
		Dur("duration", event.Duration).
		Msg("conversion")
}
