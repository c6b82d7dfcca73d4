package attribution

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/aponysus/attribution/model"
	"github.com/aponysus/attribution/poll"
)

var (
	globalTracker *Tracker
	globalMu      sync.Mutex
)

// Default returns the shared tracker. Until Init is called it has no
// transport, so every poll ends as a precondition failure.
func Default() *Tracker {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalTracker == nil {
		// The default policy always normalizes.
		globalTracker, _ = NewTracker(nil)
	}
	return globalTracker
}

// Init sets the shared tracker. It should be called once at startup; later
// calls are ignored with a warning.
func Init(t *Tracker) {
	if t == nil {
		return
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalTracker != nil {
		log.Warn().Msg("attribution: Init called after the default tracker was initialized; ignoring")
		return
	}
	globalTracker = t
}

// PollForAttribution runs a session with the default tracker.
func PollForAttribution(ctx context.Context, req model.PollRequest, maxRetries int) poll.State {
	return Default().PollForAttribution(ctx, req, maxRetries)
}

// Lookback evaluates state with the default tracker.
func Lookback(ctx context.Context, state poll.State, days int) (model.CampaignInfo, bool) {
	return Default().Lookback(ctx, state, days)
}

func CampaignIDWithinDays(ctx context.Context, state poll.State, days int) (string, bool) {
	return Default().CampaignIDWithinDays(ctx, state, days)
}

func CampaignNameWithinDays(ctx context.Context, state poll.State, days int) (string, bool) {
	return Default().CampaignNameWithinDays(ctx, state, days)
}

func AdGroupIDWithinDays(ctx context.Context, state poll.State, days int) (string, bool) {
	return Default().AdGroupIDWithinDays(ctx, state, days)
}

func AdGroupNameWithinDays(ctx context.Context, state poll.State, days int) (string, bool) {
	return Default().AdGroupNameWithinDays(ctx, state, days)
}

// Track polls and evaluates with the default tracker.
func Track(ctx context.Context, req model.PollRequest, days int) Result {
	return Default().Track(ctx, req, days)
}
