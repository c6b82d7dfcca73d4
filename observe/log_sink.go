package observe

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes telemetry events as structured zerolog entries.
//
// Failures (terminal classifications, invalid lookback windows, missing
// device ids) log at warn level; everything else at info.
type LogSink struct {
	Logger zerolog.Logger
}

// NewLogSink returns a LogSink that writes through logger.
func NewLogSink(logger zerolog.Logger) LogSink {
	return LogSink{Logger: logger}
}

func (s LogSink) Emit(_ context.Context, ev Event) {
	var e *zerolog.Event
	switch ev.Kind {
	case EventTerminalFailure, EventInvalidLookback, EventPreconditionFailed:
		e = s.Logger.Warn()
	case EventRetryScheduled, EventLookbackFiltered:
		e = s.Logger.Debug()
	default:
		e = s.Logger.Info()
	}

	e = e.Str("event", string(ev.Kind))
	if ev.SessionID != "" {
		e = e.Str("session_id", ev.SessionID)
	}
	if ev.Attempt > 0 {
		e = e.Int("attempt", ev.Attempt)
	}
	if !ev.Time.IsZero() {
		e = e.Time("event_time", ev.Time)
	}
	for k, v := range ev.Attributes {
		e = e.Str(k, v)
	}
	e.Msg(ev.Detail)
}
