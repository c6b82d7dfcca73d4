// Package attribution is the caller-facing API: poll the attribution
// endpoint for a device, then ask which campaign the most recent click
// belongs to within a lookback window.
package attribution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aponysus/attribution/config"
	httptransport "github.com/aponysus/attribution/integrations/http"
	"github.com/aponysus/attribution/lookback"
	"github.com/aponysus/attribution/model"
	"github.com/aponysus/attribution/observe"
	"github.com/aponysus/attribution/policy"
	"github.com/aponysus/attribution/poll"
)

// DefaultConcurrency bounds PollAll when no limit is configured.
const DefaultConcurrency = 8

// Tracker ties a transport, a poller and a lookback evaluator together.
// It is safe for concurrent use.
type Tracker struct {
	transport   poll.AttemptFunc
	poller      *poll.Poller
	evaluator   *lookback.Evaluator
	policy      policy.PollPolicy
	concurrency int
	logger      zerolog.Logger
}

type settings struct {
	policy      policy.PollPolicy
	sink        observe.Sink
	observer    observe.Observer
	clock       func() time.Time
	logger      zerolog.Logger
	concurrency int
	pollOpts    []poll.Option
}

// Option configures a Tracker.
type Option func(*settings)

// WithPolicy sets the default retries, attempt timeout, backoff table and
// lookback window. The policy is normalized by NewTracker.
func WithPolicy(p policy.PollPolicy) Option {
	return func(s *settings) { s.policy = p }
}

// WithSink sends poll and lookback telemetry to sink.
func WithSink(sink observe.Sink) Option {
	return func(s *settings) { s.sink = sink }
}

func WithObserver(o observe.Observer) Option {
	return func(s *settings) { s.observer = o }
}

func WithClock(f func() time.Time) Option {
	return func(s *settings) { s.clock = f }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithConcurrency bounds how many sessions PollAll runs at once.
func WithConcurrency(n int) Option {
	return func(s *settings) { s.concurrency = n }
}

// WithPollOptions passes extra options to the underlying poll.Poller.
func WithPollOptions(opts ...poll.Option) Option {
	return func(s *settings) { s.pollOpts = append(s.pollOpts, opts...) }
}

// NewTracker creates a Tracker that performs attempts with transport.
// A nil transport is allowed; every poll then ends as a precondition failure.
func NewTracker(transport poll.AttemptFunc, opts ...Option) (*Tracker, error) {
	s := settings{
		policy:      policy.DefaultPollPolicy(),
		sink:        observe.NoopSink{},
		observer:    observe.NoopObserver{},
		clock:       time.Now,
		logger:      zerolog.Nop(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(&s)
	}

	pol, err := s.policy.Normalize()
	if err != nil {
		return nil, err
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}

	pollOpts := append([]poll.Option{
		poll.WithPolicy(pol),
		poll.WithSink(s.sink),
		poll.WithObserver(s.observer),
		poll.WithClock(s.clock),
		poll.WithLogger(s.logger),
	}, s.pollOpts...)

	return &Tracker{
		transport:   transport,
		poller:      poll.NewPoller(pollOpts...),
		evaluator:   lookback.NewEvaluator(lookback.WithClock(s.clock), lookback.WithSink(s.sink)),
		policy:      pol,
		concurrency: s.concurrency,
		logger:      s.logger,
	}, nil
}

// NewFromConfig builds a Tracker backed by the HTTP transport described by cfg.
func NewFromConfig(cfg *config.Config, opts ...Option) (*Tracker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("attribution: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := settings{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&s)
	}

	tr, err := httptransport.New(cfg.Endpoint, cfg.DevToken, cfg.LinkID,
		httptransport.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		httptransport.WithLogger(s.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("attribution: build transport: %w", err)
	}

	return NewTracker(tr.Attempt, append([]Option{WithPolicy(cfg.Policy)}, opts...)...)
}

// Policy returns the normalized policy in effect.
func (t *Tracker) Policy() policy.PollPolicy { return t.policy }

func (t *Tracker) prepare(req model.PollRequest) model.PollRequest {
	if req.AttemptTimeout <= 0 {
		req.AttemptTimeout = t.policy.AttemptTimeout
	}
	return req
}

// PollForAttribution runs one poll session with up to maxRetries retries
// after the first attempt. It always returns a State; failures show up as a
// State that is not attributed.
func (t *Tracker) PollForAttribution(ctx context.Context, req model.PollRequest, maxRetries int) poll.State {
	return t.poller.Run(ctx, t.prepare(req), maxRetries, t.transport)
}

// Poll runs a session with the request's MaxRetries, or the policy's when nil.
func (t *Tracker) Poll(ctx context.Context, req model.PollRequest) poll.State {
	retries := t.policy.MaxRetries
	if req.MaxRetries != nil {
		retries = *req.MaxRetries
	}
	return t.PollForAttribution(ctx, req, retries)
}

// Lookback returns the campaign of the most recent click when it falls
// within days of now.
func (t *Tracker) Lookback(ctx context.Context, state poll.State, days int) (model.CampaignInfo, bool) {
	return t.evaluator.Lookback(ctx, state, days)
}

func (t *Tracker) CampaignIDWithinDays(ctx context.Context, state poll.State, days int) (string, bool) {
	return t.evaluator.CampaignIDWithinDays(ctx, state, days)
}

func (t *Tracker) CampaignNameWithinDays(ctx context.Context, state poll.State, days int) (string, bool) {
	return t.evaluator.CampaignNameWithinDays(ctx, state, days)
}

func (t *Tracker) AdGroupIDWithinDays(ctx context.Context, state poll.State, days int) (string, bool) {
	return t.evaluator.AdGroupIDWithinDays(ctx, state, days)
}

func (t *Tracker) AdGroupNameWithinDays(ctx context.Context, state poll.State, days int) (string, bool) {
	return t.evaluator.AdGroupNameWithinDays(ctx, state, days)
}

// PolicyLookbackDays passed to Track selects the policy's lookback window.
// Lookback and the getters have no such default and reject 0 as invalid.
const PolicyLookbackDays = 0

// Track polls and evaluates the lookback window in one step. days may be
// PolicyLookbackDays. The result is Attributed only when the click in the
// window carries an ad group id.
func (t *Tracker) Track(ctx context.Context, req model.PollRequest, days int) Result {
	if days == PolicyLookbackDays {
		days = t.policy.LookbackDays
	}
	state := t.Poll(ctx, req)
	info, ok := t.Lookback(ctx, state, days)
	if !ok || info.AdGroupID == "" {
		return Result{Kind: NotAttributed, State: state}
	}
	return Result{Kind: Attributed, Campaign: info, State: state}
}

// PollAll runs one session per request, at most the configured concurrency
// at a time, and returns the states in request order. Sessions not started
// before ctx is done are reported as cancelled with no attempts, and ctx's
// error is returned.
func (t *Tracker) PollAll(ctx context.Context, reqs []model.PollRequest) ([]poll.State, error) {
	states := make([]poll.State, len(reqs))

	var g errgroup.Group
	g.SetLimit(t.concurrency)
	for i, req := range reqs {
		i, req := i, req
		if ctx.Err() != nil {
			states[i] = poll.State{Cancelled: true}
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				states[i] = poll.State{Cancelled: true}
				return nil
			}
			states[i] = t.Poll(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		t.logger.Warn().Err(err).Int("sessions", len(reqs)).Msg("poll batch interrupted")
		return states, err
	}
	return states, nil
}
