// Package lookback decides whether the click found by a poll session falls
// inside a caller-supplied window of days.
package lookback

import (
	"context"
	"strconv"
	"time"

	"github.com/aponysus/attribution/internal"
	"github.com/aponysus/attribution/model"
	"github.com/aponysus/attribution/observe"
	"github.com/aponysus/attribution/poll"
)

const (
	// MinDays and MaxDays bound a valid window, inclusive.
	MinDays = 1
	MaxDays = 364

	millisPerDay = 86_400_000
)

// Verdict explains the result of Evaluate.
type Verdict int

const (
	InWindow Verdict = iota
	InvalidWindow
	NotAttributed
	OutsideWindow
)

func (v Verdict) String() string {
	switch v {
	case InWindow:
		return "in_window"
	case InvalidWindow:
		return "invalid_window"
	case NotAttributed:
		return "not_attributed"
	case OutsideWindow:
		return "outside_window"
	default:
		return "unknown"
	}
}

// Found reports whether v carries campaign fields.
func (v Verdict) Found() bool { return v == InWindow }

// ValidDays reports whether days is an accepted window size.
func ValidDays(days int) bool { return days >= MinDays && days <= MaxDays }

// Evaluate returns the campaign fields of state's most recent click when the
// click happened no earlier than days before nowMillis. The zero CampaignInfo
// is returned with every other verdict.
func Evaluate(state poll.State, days int, nowMillis int64) (model.CampaignInfo, Verdict) {
	if !ValidDays(days) {
		return model.CampaignInfo{}, InvalidWindow
	}
	if !state.IsAttributed || state.MostRecentClick == nil {
		return model.CampaignInfo{}, NotAttributed
	}
	windowStart := float64(nowMillis) - float64(days)*millisPerDay
	if state.MostRecentClick.ClickTimestamp*1000 < windowStart {
		return model.CampaignInfo{}, OutsideWindow
	}
	return state.MostRecentClick.Campaign(), InWindow
}

// Evaluator applies Evaluate against a clock and reports each decision to a
// telemetry sink.
type Evaluator struct {
	clock func() time.Time
	sink  observe.Sink
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock sets the clock that supplies "now".
func WithClock(f func() time.Time) Option {
	return func(e *Evaluator) {
		if f != nil {
			e.clock = f
		}
	}
}

// WithSink sets the telemetry sink.
func WithSink(s observe.Sink) Option {
	return func(e *Evaluator) {
		if !internal.IsTypedNil(s) {
			e.sink = s
		}
	}
}

func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{clock: time.Now, sink: observe.NoopSink{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Lookback evaluates state against the current time.
func (e *Evaluator) Lookback(ctx context.Context, state poll.State, days int) (model.CampaignInfo, bool) {
	if e == nil {
		e = NewEvaluator()
	}
	now := e.clock()
	info, verdict := Evaluate(state, days, now.UnixMilli())

	ev := observe.Event{
		SessionID:  state.SessionID,
		Attempt:    state.Attempts,
		Detail:     verdict.String(),
		Attributes: map[string]string{"days": strconv.Itoa(days)},
		Time:       now,
	}
	switch verdict {
	case InvalidWindow:
		ev.Kind = observe.EventInvalidLookback
		ev.Detail = "lookback days must be between " + strconv.Itoa(MinDays) + " and " + strconv.Itoa(MaxDays)
	case OutsideWindow:
		ev.Kind = observe.EventLookbackFiltered
		ev.Attributes["click_time"] = state.MostRecentClick.ClickTime().Format(time.RFC3339Nano)
	case InWindow:
		ev.Kind = observe.EventLookbackMatched
		ev.Attributes["campaign_id"] = info.CampaignID
	default:
		return info, false
	}
	e.sink.Emit(ctx, ev)
	return info, verdict.Found()
}

func (e *Evaluator) CampaignIDWithinDays(ctx context.Context, state poll.State, days int) (string, bool) {
	info, ok := e.Lookback(ctx, state, days)
	return info.CampaignID, ok
}

func (e *Evaluator) CampaignNameWithinDays(ctx context.Context, state poll.State, days int) (string, bool) {
	info, ok := e.Lookback(ctx, state, days)
	return info.CampaignName, ok
}

func (e *Evaluator) AdGroupIDWithinDays(ctx context.Context, state poll.State, days int) (string, bool) {
	info, ok := e.Lookback(ctx, state, days)
	return info.AdGroupID, ok
}

func (e *Evaluator) AdGroupNameWithinDays(ctx context.Context, state poll.State, days int) (string, bool) {
	info, ok := e.Lookback(ctx, state, days)
	return info.AdGroupName, ok
}
