package observe

import "context"

type attemptInfoKey struct{}

// AttemptInfo is per-attempt metadata attached to the context handed to the transport.
type AttemptInfo struct {
	SessionID      string
	Attempt        int
	BackoffSeconds int
}

// WithAttemptInfo returns a context derived from ctx that carries info.
func WithAttemptInfo(ctx context.Context, info AttemptInfo) context.Context {
	return context.WithValue(ctx, attemptInfoKey{}, info)
}

// AttemptFromContext returns the AttemptInfo from ctx, if present.
func AttemptFromContext(ctx context.Context) (AttemptInfo, bool) {
	if ctx == nil {
		return AttemptInfo{}, false
	}
	info, ok := ctx.Value(attemptInfoKey{}).(AttemptInfo)
	return info, ok
}
