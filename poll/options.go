package poll

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aponysus/attribution/backoff"
	"github.com/aponysus/attribution/classify"
	"github.com/aponysus/attribution/internal"
	"github.com/aponysus/attribution/observe"
	"github.com/aponysus/attribution/policy"
)

// Option configures a Poller.
type Option func(*Poller)

// WithClassifier sets the response classifier.
func WithClassifier(c classify.Classifier) Option {
	return func(p *Poller) {
		if !internal.IsTypedNil(c) {
			p.classifier = c
		}
	}
}

// WithObserver sets the attempt observer.
func WithObserver(o observe.Observer) Option {
	return func(p *Poller) {
		if !internal.IsTypedNil(o) {
			p.observer = o
		}
	}
}

// WithSink sets the telemetry sink.
func WithSink(s observe.Sink) Option {
	return func(p *Poller) {
		if !internal.IsTypedNil(s) {
			p.sink = s
		}
	}
}

// WithClock sets the clock used for request timestamps and the timeline.
func WithClock(f func() time.Time) Option {
	return func(p *Poller) {
		if f != nil {
			p.clock = f
		}
	}
}

// WithLogger sets the logger for per-attempt debug output.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Poller) {
		p.logger = l
	}
}

// WithBackoffTable sets the timestamp correction table and its fallback.
func WithBackoffTable(table []int, fallback int) Option {
	return func(p *Poller) {
		p.backoffTable = append([]int(nil), table...)
		p.backoffFallback = fallback
	}
}

// WithPolicy applies the backoff settings of pol.
func WithPolicy(pol policy.PollPolicy) Option {
	return WithBackoffTable(pol.BackoffTable, pol.BackoffFallback)
}

// WithSessionIDFunc sets the generator for session ids.
func WithSessionIDFunc(f func() string) Option {
	return func(p *Poller) {
		if f != nil {
			p.newSessionID = f
		}
	}
}

// WithRecoverPanics sets whether panics in the transport or classifier are
// turned into terminal outcomes. Enabled by default.
func WithRecoverPanics(enabled bool) Option {
	return func(p *Poller) {
		p.recoverPanics = enabled
	}
}

func defaultPoller() *Poller {
	return &Poller{
		classifier:      classify.ResponseClassifier{},
		observer:        observe.NoopObserver{},
		sink:            observe.NoopSink{},
		clock:           time.Now,
		logger:          zerolog.Nop(),
		backoffTable:    backoff.DefaultTable(),
		backoffFallback: backoff.DefaultFallbackSeconds,
		newSessionID:    uuid.NewString,
		recoverPanics:   true,
	}
}
