package observe

import (
	"context"

	"github.com/aponysus/attribution/internal"
	"github.com/aponysus/attribution/model"
)

// BaseObserver implements Observer with no-op methods.
//
// Users can embed BaseObserver to implement only the callbacks they need.
type BaseObserver struct{}

func (BaseObserver) OnStart(context.Context, string, model.PollRequest) {}
func (BaseObserver) OnAttempt(context.Context, string, AttemptRecord)   {}
func (BaseObserver) OnFinish(context.Context, string, Timeline)         {}

// MultiObserver fans out callbacks to multiple observers.
type MultiObserver struct {
	Observers []Observer
}

func (m MultiObserver) OnStart(ctx context.Context, sessionID string, req model.PollRequest) {
	for _, o := range m.Observers {
		if !internal.IsTypedNil(o) {
			o.OnStart(ctx, sessionID, req)
		}
	}
}

func (m MultiObserver) OnAttempt(ctx context.Context, sessionID string, rec AttemptRecord) {
	for _, o := range m.Observers {
		if !internal.IsTypedNil(o) {
			o.OnAttempt(ctx, sessionID, rec)
		}
	}
}

func (m MultiObserver) OnFinish(ctx context.Context, sessionID string, tl Timeline) {
	for _, o := range m.Observers {
		if !internal.IsTypedNil(o) {
			o.OnFinish(ctx, sessionID, tl)
		}
	}
}

// MultiSink fans out events to multiple sinks.
type MultiSink struct {
	Sinks []Sink
}

func (m MultiSink) Emit(ctx context.Context, ev Event) {
	for _, s := range m.Sinks {
		if !internal.IsTypedNil(s) {
			s.Emit(ctx, ev)
		}
	}
}
