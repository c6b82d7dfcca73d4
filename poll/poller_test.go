package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aponysus/attribution/classify"
	"github.com/aponysus/attribution/model"
	"github.com/aponysus/attribution/observe"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

type testTransportError struct {
	kind   classify.TransportKind
	status int
	body   []byte
}

func (e testTransportError) Error() string                         { return "transport: " + e.kind.String() }
func (e testTransportError) TransportKind() classify.TransportKind { return e.kind }
func (e testTransportError) HTTPStatusCode() int                   { return e.status }
func (e testTransportError) ResponseBody() []byte                  { return e.body }

var (
	errTimeout          = testTransportError{kind: classify.KindTimeout}
	errTimestampInvalid = testTransportError{
		kind:   classify.KindClientError,
		status: 400,
		body:   []byte(`{"errors":["timestamp_invalid"]}`),
	}
	errBadRequest = testTransportError{kind: classify.KindClientError, status: 403, body: []byte(`{}`)}
)

type reply struct {
	body string
	err  error
}

// scripted replays replies in order and records the params of every call.
type scripted struct {
	mu      sync.Mutex
	replies []reply
	calls   []AttemptParams
}

func (s *scripted) attempt(_ context.Context, p AttemptParams) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, p)
	if len(s.replies) == 0 {
		return nil, errTimeout
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	if r.err != nil {
		return nil, r.err
	}
	return []byte(r.body), nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []observe.Event
}

func (s *recordingSink) Emit(_ context.Context, ev observe.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) kinds() []observe.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]observe.EventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newTestPoller(opts ...Option) *Poller {
	base := []Option{
		WithClock(fixedClock),
		WithSessionIDFunc(func() string { return "session-1" }),
	}
	return NewPoller(append(base, opts...)...)
}

func testRequest() model.PollRequest {
	return model.PollRequest{DeviceID: "device-1", AttemptTimeout: time.Second}
}

const attributedC1 = `{"attributed":true,"ad_events":[{"campaign_id":"C1","campaign_name":"Spring","ad_group_id":"G1","ad_group_name":"Group","timestamp":1714564800.5}]}`

func TestRun_RetriesUntilAttributed(t *testing.T) {
	tr := &scripted{replies: []reply{{err: errTimeout}, {err: errTimeout}, {body: attributedC1}}}
	sink := &recordingSink{}

	state := newTestPoller(WithSink(sink)).Run(context.Background(), testRequest(), 3, tr.attempt)

	require.Len(t, tr.calls, 3)
	assert.True(t, state.IsAttributed)
	assert.False(t, state.NeedsRetry)
	require.NotNil(t, state.MostRecentClick)
	assert.Equal(t, "C1", state.MostRecentClick.CampaignID)
	assert.Equal(t, 3, state.Attempts)
	assert.Equal(t, "session-1", state.SessionID)
	assert.Equal(t, []observe.EventKind{
		observe.EventRetryScheduled,
		observe.EventRetryScheduled,
		observe.EventAttributed,
	}, sink.kinds())
	for i, p := range tr.calls {
		assert.Equal(t, i+1, p.Attempt)
		assert.Equal(t, time.Second, p.Timeout)
	}
}

func TestRun_EmptyDeviceIDMakesNoCalls(t *testing.T) {
	tr := &scripted{}
	sink := &recordingSink{}

	state := newTestPoller(WithSink(sink)).Run(context.Background(), model.PollRequest{}, 3, tr.attempt)

	assert.Empty(t, tr.calls)
	assert.False(t, state.IsAttributed)
	assert.Nil(t, state.MostRecentClick)
	assert.Zero(t, state.Attempts)
	assert.Equal(t, []observe.EventKind{observe.EventPreconditionFailed}, sink.kinds())
}

func TestRun_NilTransportIsPrecondition(t *testing.T) {
	sink := &recordingSink{}

	state := newTestPoller(WithSink(sink)).Run(context.Background(), testRequest(), 3, nil)

	assert.Zero(t, state.Attempts)
	assert.Equal(t, []observe.EventKind{observe.EventPreconditionFailed}, sink.kinds())
}

func TestRun_ZeroRetriesMakesOneCall(t *testing.T) {
	tr := &scripted{replies: []reply{{err: errTimeout}, {body: attributedC1}}}

	state := newTestPoller().Run(context.Background(), testRequest(), 0, tr.attempt)

	assert.Len(t, tr.calls, 1)
	assert.True(t, state.NeedsRetry)
	assert.False(t, state.IsAttributed)
}

func TestRun_NegativeRetriesTreatedAsZero(t *testing.T) {
	tr := &scripted{replies: []reply{{err: errTimeout}}}

	newTestPoller().Run(context.Background(), testRequest(), -5, tr.attempt)

	assert.Len(t, tr.calls, 1)
}

func TestRun_RetriesExhausted(t *testing.T) {
	tr := &scripted{}
	ctx, capture := observe.RecordTimeline(context.Background())

	state := newTestPoller().Run(ctx, testRequest(), 2, tr.attempt)

	assert.Len(t, tr.calls, 3)
	assert.True(t, state.NeedsRetry)
	assert.False(t, state.IsAttributed)
	tl := capture.Timeline()
	require.NotNil(t, tl)
	assert.Equal(t, StopExhausted, tl.Attributes["stop_reason"])
	assert.Len(t, tl.Attempts, 3)
}

func TestRun_NotAttributedStops(t *testing.T) {
	tr := &scripted{replies: []reply{{body: `{"attributed":false}`}, {body: attributedC1}}}
	sink := &recordingSink{}

	state := newTestPoller(WithSink(sink)).Run(context.Background(), testRequest(), 3, tr.attempt)

	assert.Len(t, tr.calls, 1)
	assert.False(t, state.IsAttributed)
	assert.False(t, state.NeedsRetry)
	assert.Equal(t, classify.OutcomeNotAttributed, state.LastOutcome.Kind)
	assert.Equal(t, []observe.EventKind{observe.EventNotAttributed}, sink.kinds())
}

func TestRun_TerminalOnFirstAttemptStops(t *testing.T) {
	tr := &scripted{replies: []reply{{err: errBadRequest}, {body: attributedC1}}}
	sink := &recordingSink{}

	state := newTestPoller(WithSink(sink)).Run(context.Background(), testRequest(), 3, tr.attempt)

	assert.Len(t, tr.calls, 1)
	assert.False(t, state.NeedsRetry)
	assert.Equal(t, classify.OutcomeTerminal, state.LastOutcome.Kind)
	assert.Equal(t, []observe.EventKind{observe.EventTerminalFailure}, sink.kinds())
}

func TestRun_TerminalLeavesRetryFlagUnchanged(t *testing.T) {
	tr := &scripted{replies: []reply{{err: errTimeout}, {err: errBadRequest}, {body: attributedC1}}}

	state := newTestPoller().Run(context.Background(), testRequest(), 3, tr.attempt)

	require.Len(t, tr.calls, 3)
	assert.True(t, state.IsAttributed)
}

func TestRun_MalformedBodyIsTerminal(t *testing.T) {
	tr := &scripted{replies: []reply{{body: `{"attributed":true,"ad_events":[{"campaign_id":"C1"}]}`}}}

	state := newTestPoller().Run(context.Background(), testRequest(), 3, tr.attempt)

	assert.Len(t, tr.calls, 1)
	assert.False(t, state.IsAttributed)
	assert.Nil(t, state.MostRecentClick)
	assert.Equal(t, classify.ReasonParseFailure, state.LastOutcome.Reason)
}

func TestRun_TimestampCorrectionShiftsLaterAttempts(t *testing.T) {
	tr := &scripted{replies: []reply{
		{err: errTimestampInvalid},
		{err: errTimestampInvalid},
		{err: errTimeout},
		{body: attributedC1},
	}}

	state := newTestPoller().Run(context.Background(), testRequest(), 5, tr.attempt)

	require.Len(t, tr.calls, 4)
	assert.Equal(t, 0, tr.calls[0].BackoffSeconds)
	assert.Equal(t, fixedNow, tr.calls[0].Timestamp)
	assert.Equal(t, 1, tr.calls[1].BackoffSeconds)
	assert.Equal(t, fixedNow.Add(-time.Second), tr.calls[1].Timestamp)
	assert.Equal(t, 3, tr.calls[2].BackoffSeconds)
	// A plain timeout does not advance the table but keeps the override.
	assert.Equal(t, 3, tr.calls[3].BackoffSeconds)
	assert.Equal(t, fixedNow.Add(-3*time.Second), tr.calls[3].Timestamp)

	assert.Equal(t, 2, state.BackoffAttemptCount)
	assert.Equal(t, 3, state.BackoffOverrideSeconds)
	assert.True(t, state.IsAttributed)
}

func TestRun_CustomBackoffTable(t *testing.T) {
	tr := &scripted{replies: []reply{{err: errTimestampInvalid}, {err: errTimestampInvalid}}}

	newTestPoller(WithBackoffTable([]int{7}, 42)).Run(context.Background(), testRequest(), 2, tr.attempt)

	require.Len(t, tr.calls, 3)
	assert.Equal(t, 7, tr.calls[1].BackoffSeconds)
	assert.Equal(t, 42, tr.calls[2].BackoffSeconds)
}

func TestRun_CancellationBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	var attemptErr error
	fn := func(actx context.Context, _ AttemptParams) ([]byte, error) {
		calls++
		cancel()
		attemptErr = actx.Err()
		return nil, errTimeout
	}

	state := newTestPoller().Run(ctx, testRequest(), 5, fn)

	assert.Equal(t, 1, calls)
	assert.NoError(t, attemptErr, "in-flight attempt must not observe cancellation")
	assert.True(t, state.Cancelled)
	assert.False(t, state.IsAttributed)
}

func TestRun_CancelledBeforeStartStillMakesFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := &scripted{}

	state := newTestPoller().Run(ctx, testRequest(), 3, tr.attempt)

	assert.Len(t, tr.calls, 1)
	assert.True(t, state.Cancelled)
}

func TestRun_TransportPanicIsTerminal(t *testing.T) {
	fn := func(context.Context, AttemptParams) ([]byte, error) { panic("boom") }
	var rec observe.AttemptRecord
	obs := observerFunc(func(r observe.AttemptRecord) { rec = r })

	var state State
	require.NotPanics(t, func() {
		state = newTestPoller(WithObserver(obs)).Run(context.Background(), testRequest(), 3, fn)
	})

	assert.Equal(t, 1, state.Attempts)
	assert.Equal(t, ReasonPanicInTransport, state.LastOutcome.Reason)
	var pe *PanicError
	require.True(t, errors.As(rec.Err, &pe))
	assert.Equal(t, "transport", pe.Component)
	assert.Equal(t, "boom", pe.Value)
}

func TestRun_ClassifierPanicIsTerminal(t *testing.T) {
	tr := &scripted{replies: []reply{{body: attributedC1}}}
	c := classify.ClassifierFunc(func([]byte, error) classify.Outcome { panic("bad classifier") })

	state := newTestPoller(WithClassifier(c)).Run(context.Background(), testRequest(), 3, tr.attempt)

	assert.Equal(t, ReasonPanicInClassifier, state.LastOutcome.Reason)
	assert.Equal(t, classify.OutcomeTerminal, state.LastOutcome.Kind)
}

func TestRun_UnknownOutcomeIsTerminal(t *testing.T) {
	tr := &scripted{replies: []reply{{body: attributedC1}}}
	c := classify.ClassifierFunc(func([]byte, error) classify.Outcome { return classify.Outcome{} })

	state := newTestPoller(WithClassifier(c)).Run(context.Background(), testRequest(), 3, tr.attempt)

	assert.Len(t, tr.calls, 1)
	assert.Equal(t, classify.OutcomeTerminal, state.LastOutcome.Kind)
	assert.Equal(t, ReasonUnknownOutcome, state.LastOutcome.Reason)
}

func TestRun_AttemptContextCarriesInfo(t *testing.T) {
	var infos []observe.AttemptInfo
	fn := func(ctx context.Context, _ AttemptParams) ([]byte, error) {
		info, ok := observe.AttemptFromContext(ctx)
		require.True(t, ok)
		infos = append(infos, info)
		_, captured := observe.TimelineCaptureFromContext(ctx)
		assert.False(t, captured)
		if len(infos) == 1 {
			return nil, errTimestampInvalid
		}
		return []byte(attributedC1), nil
	}
	ctx, _ := observe.RecordTimeline(context.Background())

	newTestPoller().Run(ctx, testRequest(), 3, fn)

	require.Len(t, infos, 2)
	assert.Equal(t, observe.AttemptInfo{SessionID: "session-1", Attempt: 1}, infos[0])
	assert.Equal(t, observe.AttemptInfo{SessionID: "session-1", Attempt: 2, BackoffSeconds: 1}, infos[1])
}

func TestRun_TimelineCapture(t *testing.T) {
	tr := &scripted{replies: []reply{{err: errTimeout}, {body: attributedC1}}}
	ctx, capture := observe.RecordTimeline(context.Background())

	newTestPoller().Run(ctx, testRequest(), 3, tr.attempt)

	tl := capture.Timeline()
	require.NotNil(t, tl)
	assert.Equal(t, "session-1", tl.SessionID)
	assert.True(t, tl.Attributed)
	assert.False(t, tl.Cancelled)
	assert.Equal(t, StopCompleted, tl.Attributes["stop_reason"])
	require.Len(t, tl.Attempts, 2)
	assert.Equal(t, classify.OutcomeRetryable, tl.Attempts[0].Outcome.Kind)
	assert.Equal(t, classify.OutcomeAttributed, tl.Attempts[1].Outcome.Kind)
}

func TestRun_AttributedEventCarriesCampaign(t *testing.T) {
	tr := &scripted{replies: []reply{{body: attributedC1}}}
	sink := &recordingSink{}

	newTestPoller(WithSink(sink)).Run(context.Background(), testRequest(), 0, tr.attempt)

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, "session-1", ev.SessionID)
	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, "C1", ev.Attributes["campaign_id"])
	assert.Equal(t, "G1", ev.Attributes["ad_group_id"])
}

func TestRun_NilPollerUsesDefaults(t *testing.T) {
	var p *Poller
	tr := &scripted{replies: []reply{{body: attributedC1}}}

	state := p.Run(context.Background(), testRequest(), 0, tr.attempt)

	assert.True(t, state.IsAttributed)
	assert.NotEmpty(t, state.SessionID)
}

func TestRecordClicks_KeepsMaximumInEitherOrder(t *testing.T) {
	low := model.ClickEvent{CampaignID: "low", ClickTimestamp: 100.0}
	high := model.ClickEvent{CampaignID: "high", ClickTimestamp: 250.5}

	for name, order := range map[string][][]model.ClickEvent{
		"single_response_low_first":  {{low, high}},
		"single_response_high_first": {{high, low}},
		"across_attempts_low_first":  {{low}, {high}},
		"across_attempts_high_first": {{high}, {low}},
	} {
		t.Run(name, func(t *testing.T) {
			var s State
			for _, events := range order {
				s.recordClicks(events)
			}
			require.NotNil(t, s.MostRecentClick)
			assert.Equal(t, "high", s.MostRecentClick.CampaignID)
		})
	}
}

func TestRecordClicks_TieKeepsFirst(t *testing.T) {
	var s State
	s.recordClicks([]model.ClickEvent{
		{CampaignID: "first", ClickTimestamp: 10},
		{CampaignID: "second", ClickTimestamp: 10},
	})
	assert.Equal(t, "first", s.MostRecentClick.CampaignID)
}

func TestRecordClicks_EmptyLeavesNil(t *testing.T) {
	var s State
	s.recordClicks(nil)
	assert.Nil(t, s.MostRecentClick)
}

func TestState_Campaign(t *testing.T) {
	var s State
	_, ok := s.Campaign()
	assert.False(t, ok)

	s.IsAttributed = true
	s.recordClicks([]model.ClickEvent{{CampaignID: "C1", CampaignName: "N", AdGroupID: "G", AdGroupName: "GN"}})
	info, ok := s.Campaign()
	require.True(t, ok)
	assert.Equal(t, model.CampaignInfo{CampaignID: "C1", CampaignName: "N", AdGroupID: "G", AdGroupName: "GN"}, info)
}

type observerFunc func(observe.AttemptRecord)

func (observerFunc) OnStart(context.Context, string, model.PollRequest) {}
func (f observerFunc) OnAttempt(_ context.Context, _ string, rec observe.AttemptRecord) {
	f(rec)
}
func (observerFunc) OnFinish(context.Context, string, observe.Timeline) {}
