package observe

import (
	"context"
	"time"

	"github.com/aponysus/attribution/classify"
	"github.com/aponysus/attribution/model"
)

// AttemptRecord describes a single transport call within a poll session.
type AttemptRecord struct {
	Attempt   int
	StartTime time.Time
	EndTime   time.Time

	// Timestamp is the corrected request timestamp sent with the attempt.
	Timestamp      time.Time
	BackoffSeconds int

	Outcome classify.Outcome
	Err     error
}

// Timeline is the structured record of one poll session and all of its attempts.
type Timeline struct {
	SessionID string
	Start     time.Time
	End       time.Time

	// Attributes holds session-level metadata (stop reason, precondition failures).
	Attributes map[string]string

	Attempts   []AttemptRecord
	Attributed bool
	Cancelled  bool
}

// Observer receives lifecycle callbacks for a single poll session.
type Observer interface {
	OnStart(ctx context.Context, sessionID string, req model.PollRequest)
	OnAttempt(ctx context.Context, sessionID string, rec AttemptRecord)
	OnFinish(ctx context.Context, sessionID string, tl Timeline)
}

// EventKind names a telemetry event.
type EventKind string

const (
	EventAttributed         EventKind = "attributed"
	EventNotAttributed      EventKind = "not_attributed"
	EventTerminalFailure    EventKind = "terminal_failure"
	EventInvalidLookback    EventKind = "invalid_lookback"
	EventPreconditionFailed EventKind = "precondition_failed"
	EventRetryScheduled     EventKind = "retry_scheduled"
	EventLookbackFiltered   EventKind = "lookback_filtered"
	EventLookbackMatched    EventKind = "lookback_matched"
)

// Event is one fire-and-forget telemetry record.
type Event struct {
	Kind       EventKind
	SessionID  string
	Attempt    int
	Detail     string
	Attributes map[string]string
	Time       time.Time
}

// Sink accepts telemetry events. Implementations must not block the caller
// for long and must not report failures back; wrap slow sinks in AsyncSink.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }
