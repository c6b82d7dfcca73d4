// Package poll runs attribution poll sessions: a first attempt, then bounded
// retries while the last classification asks for one, with the request
// timestamp pulled back whenever the endpoint rejects it as invalid.
package poll

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aponysus/attribution/backoff"
	"github.com/aponysus/attribution/classify"
	"github.com/aponysus/attribution/model"
	"github.com/aponysus/attribution/observe"
)

// Reasons used for outcomes produced by the poller itself.
const (
	ReasonPanicInTransport  = "panic_in_transport"
	ReasonPanicInClassifier = "panic_in_classifier"
	ReasonUnknownOutcome    = "unknown_outcome"
)

// Session stop reasons recorded in Timeline.Attributes["stop_reason"].
const (
	StopPrecondition = "precondition_failed"
	StopCompleted    = "completed"
	StopExhausted    = "retries_exhausted"
	StopCancelled    = "cancelled"
)

// AttemptParams is everything a transport needs for one round trip.
type AttemptParams struct {
	Request model.PollRequest
	// Attempt is 1-based.
	Attempt int
	// Timeout bounds the round trip; the transport enforces it.
	Timeout        time.Duration
	BackoffSeconds int
	// Timestamp is the request time already corrected by BackoffSeconds.
	Timestamp time.Time
}

// AttemptFunc performs one blocking round trip. It returns the response body
// on success, or an error (ideally a classify.TransportError) on failure.
type AttemptFunc func(ctx context.Context, p AttemptParams) ([]byte, error)

// PanicError wraps a panic recovered from user code.
type PanicError struct {
	Component string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("attribution: panic in %s: %v", e.Component, e.Value)
}

// Poller runs poll sessions. It holds no per-session state and is safe for
// concurrent use by independent sessions.
type Poller struct {
	classifier      classify.Classifier
	observer        observe.Observer
	sink            observe.Sink
	clock           func() time.Time
	logger          zerolog.Logger
	backoffTable    []int
	backoffFallback int
	newSessionID    func() string
	recoverPanics   bool
}

// NewPoller creates a Poller with the response classifier, no-op telemetry
// and the default correction table.
func NewPoller(opts ...Option) *Poller {
	p := defaultPoller()
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls for attribution of req.
//
// The first attempt always runs; maxRetries bounds the extra attempts and may
// be zero. Between attempts the loop stops once no retry is needed or ctx is
// done. An attempt in flight is never cancelled: the transport receives a
// context detached from ctx's cancellation. Run never fails; every problem
// degrades to a State that is not attributed.
func (p *Poller) Run(ctx context.Context, req model.PollRequest, maxRetries int, fn AttemptFunc) State {
	if ctx == nil {
		ctx = context.Background()
	}
	if p == nil {
		p = NewPoller()
	}

	sessionID := p.newSessionID()
	state := State{SessionID: sessionID}
	tl := observe.Timeline{
		SessionID:  sessionID,
		Start:      p.clock(),
		Attributes: make(map[string]string),
	}
	capture, _ := observe.TimelineCaptureFromContext(ctx)

	finish := func(reason string) State {
		tl.End = p.clock()
		tl.Attributed = state.IsAttributed
		tl.Cancelled = state.Cancelled
		tl.Attributes["stop_reason"] = reason
		p.observer.OnFinish(ctx, sessionID, tl)
		if capture != nil {
			capture.Store(tl)
		}
		p.logger.Debug().
			Str("session_id", sessionID).
			Str("stop_reason", reason).
			Int("attempts", state.Attempts).
			Bool("attributed", state.IsAttributed).
			Msg("poll session finished")
		return state
	}

	p.observer.OnStart(ctx, sessionID, req)

	if req.DeviceID == "" {
		tl.Attributes["precondition"] = "missing_device_id"
		p.emit(ctx, observe.Event{Kind: observe.EventPreconditionFailed, SessionID: sessionID, Detail: "missing device id"})
		return finish(StopPrecondition)
	}
	if fn == nil {
		tl.Attributes["precondition"] = "missing_transport"
		p.emit(ctx, observe.Event{Kind: observe.EventPreconditionFailed, SessionID: sessionID, Detail: "missing transport"})
		return finish(StopPrecondition)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	sched := backoff.NewScheduler(p.backoffTable, p.backoffFallback)

	p.attempt(ctx, req, fn, sched, &state, &tl)
	for i := 0; i < maxRetries; i++ {
		if !state.NeedsRetry {
			break
		}
		if ctx.Err() != nil {
			state.Cancelled = true
			break
		}
		p.attempt(ctx, req, fn, sched, &state, &tl)
	}

	switch {
	case state.Cancelled:
		return finish(StopCancelled)
	case state.NeedsRetry:
		return finish(StopExhausted)
	default:
		return finish(StopCompleted)
	}
}

func (p *Poller) attempt(ctx context.Context, req model.PollRequest, fn AttemptFunc, sched *backoff.Scheduler, state *State, tl *observe.Timeline) {
	state.Attempts++
	n := state.Attempts

	start := p.clock()
	params := AttemptParams{
		Request:        req,
		Attempt:        n,
		Timeout:        req.AttemptTimeout,
		BackoffSeconds: state.BackoffOverrideSeconds,
		Timestamp:      start.Add(-backoff.Correction(state.BackoffOverrideSeconds)),
	}

	attemptCtx := observe.WithoutTimelineCapture(context.WithoutCancel(ctx))
	attemptCtx = observe.WithAttemptInfo(attemptCtx, observe.AttemptInfo{
		SessionID:      state.SessionID,
		Attempt:        n,
		BackoffSeconds: params.BackoffSeconds,
	})

	body, panicked, err := p.call(attemptCtx, fn, params)
	var out classify.Outcome
	if panicked {
		out = classify.Outcome{Kind: classify.OutcomeTerminal, Reason: ReasonPanicInTransport}
	} else {
		out = p.classify(body, err)
	}

	p.apply(ctx, state, sched, out)

	rec := observe.AttemptRecord{
		Attempt:        n,
		StartTime:      start,
		EndTime:        p.clock(),
		Timestamp:      params.Timestamp,
		BackoffSeconds: params.BackoffSeconds,
		Outcome:        out,
		Err:            err,
	}
	tl.Attempts = append(tl.Attempts, rec)
	p.observer.OnAttempt(ctx, state.SessionID, rec)

	p.logger.Debug().
		Str("session_id", state.SessionID).
		Int("attempt", n).
		Int("backoff_seconds", params.BackoffSeconds).
		Str("outcome", out.Kind.String()).
		Str("reason", out.Reason).
		Err(err).
		Msg("attribution attempt")
}

func (p *Poller) call(ctx context.Context, fn AttemptFunc, params AttemptParams) (body []byte, panicked bool, err error) {
	if p.recoverPanics {
		defer func() {
			if r := recover(); r != nil {
				body, panicked = nil, true
				err = &PanicError{Component: "transport", Value: r, Stack: debug.Stack()}
			}
		}()
	}
	body, err = fn(ctx, params)
	return body, false, err
}

func (p *Poller) classify(body []byte, err error) (out classify.Outcome) {
	if p.recoverPanics {
		defer func() {
			if r := recover(); r != nil {
				out = classify.Outcome{Kind: classify.OutcomeTerminal, Reason: ReasonPanicInClassifier}
			}
		}()
	}
	out = p.classifier.Classify(body, err)
	if out.Kind == classify.OutcomeUnknown {
		out.Kind = classify.OutcomeTerminal
		if out.Reason == "" {
			out.Reason = ReasonUnknownOutcome
		}
	}
	return out
}

func (p *Poller) apply(ctx context.Context, state *State, sched *backoff.Scheduler, out classify.Outcome) {
	state.LastOutcome = out
	ev := observe.Event{
		SessionID:  state.SessionID,
		Attempt:    state.Attempts,
		Detail:     out.Reason,
		Attributes: copyAttributes(out.Attributes),
		Time:       p.clock(),
	}

	switch out.Kind {
	case classify.OutcomeAttributed:
		state.IsAttributed = true
		state.NeedsRetry = false
		state.recordClicks(out.Events)
		ev.Kind = observe.EventAttributed
		if state.MostRecentClick != nil {
			ev.Attributes["campaign_id"] = state.MostRecentClick.CampaignID
			ev.Attributes["ad_group_id"] = state.MostRecentClick.AdGroupID
		}
	case classify.OutcomeNotAttributed:
		state.IsAttributed = false
		state.NeedsRetry = false
		ev.Kind = observe.EventNotAttributed
	case classify.OutcomeRetryable:
		state.NeedsRetry = true
		if out.BackoffCorrection {
			state.BackoffOverrideSeconds = sched.Next()
			state.BackoffAttemptCount = sched.Count()
			ev.Attributes["backoff_seconds"] = strconv.Itoa(state.BackoffOverrideSeconds)
		}
		ev.Kind = observe.EventRetryScheduled
	default:
		ev.Kind = observe.EventTerminalFailure
	}

	p.emit(ctx, ev)
}

func (p *Poller) emit(ctx context.Context, ev observe.Event) {
	if ev.Time.IsZero() {
		ev.Time = p.clock()
	}
	p.sink.Emit(ctx, ev)
}

func copyAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
