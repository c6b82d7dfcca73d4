package observe

import (
	"context"
	"sync/atomic"
)

// TimelineCapture receives the timeline of the next poll session run with
// the context returned by RecordTimeline.
type TimelineCapture struct {
	tl atomic.Pointer[Timeline]
}

// Timeline returns the captured timeline, or nil while the session is still running.
func (c *TimelineCapture) Timeline() *Timeline {
	if c == nil {
		return nil
	}
	return c.tl.Load()
}

// Store publishes tl. The poller calls it once, when the session ends.
func (c *TimelineCapture) Store(tl Timeline) {
	if c == nil {
		return
	}
	c.tl.Store(&tl)
}

type timelineCaptureKey struct{}

// RecordTimeline returns a derived context that requests a timeline for the
// poll session run with it, plus the holder that will receive it.
func RecordTimeline(ctx context.Context) (context.Context, *TimelineCapture) {
	if ctx == nil {
		ctx = context.Background()
	}
	capture := &TimelineCapture{}
	return context.WithValue(ctx, timelineCaptureKey{}, capture), capture
}

// TimelineCaptureFromContext returns the capture requested on ctx, if any.
func TimelineCaptureFromContext(ctx context.Context) (*TimelineCapture, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(timelineCaptureKey{}).(*TimelineCapture)
	return c, ok && c != nil
}

// WithoutTimelineCapture hides any capture on ctx, so that a poll nested
// inside a transport call does not publish into the outer session's holder.
func WithoutTimelineCapture(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, timelineCaptureKey{}, (*TimelineCapture)(nil))
}
