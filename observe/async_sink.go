package observe

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultAsyncBuffer = 256

type queuedEvent struct {
	ctx context.Context
	ev  Event
}

// AsyncSink forwards events to another Sink from a background goroutine.
//
// Emit never blocks: when the buffer is full, or after Close, the event is
// dropped and counted.
type AsyncSink struct {
	next    Sink
	queue   chan queuedEvent
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewAsyncSink starts a goroutine that drains into next. A buffer <= 0 selects
// a default size. Call Close to stop the goroutine.
func NewAsyncSink(next Sink, buffer int) *AsyncSink {
	if next == nil {
		next = NoopSink{}
	}
	if buffer <= 0 {
		buffer = defaultAsyncBuffer
	}
	s := &AsyncSink{
		next:  next,
		queue: make(chan queuedEvent, buffer),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for q := range s.queue {
		s.next.Emit(q.ctx, q.ev)
	}
}

func (s *AsyncSink) Emit(ctx context.Context, ev Event) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}

	select {
	case s.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		s.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded.
func (s *AsyncSink) Dropped() uint64 { return s.dropped.Load() }

// Close stops accepting events and waits until queued ones are delivered or
// ctx is done.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
