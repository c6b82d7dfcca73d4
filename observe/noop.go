package observe

import (
	"context"

	"github.com/aponysus/attribution/model"
)

// NoopObserver implements Observer with no-op methods.
type NoopObserver struct{}

func (NoopObserver) OnStart(context.Context, string, model.PollRequest) {}
func (NoopObserver) OnAttempt(context.Context, string, AttemptRecord)   {}
func (NoopObserver) OnFinish(context.Context, string, Timeline)         {}

// NoopSink discards every event.
type NoopSink struct{}

func (NoopSink) Emit(context.Context, Event) {}
