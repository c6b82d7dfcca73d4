package poll

import (
	"github.com/aponysus/attribution/classify"
	"github.com/aponysus/attribution/model"
)

// State accumulates the result of one poll session. It is owned by the
// session that created it and returned by value from Poller.Run.
type State struct {
	IsAttributed bool

	// MostRecentClick is the click with the largest timestamp seen in the session.
	MostRecentClick *model.ClickEvent

	NeedsRetry bool

	// BackoffAttemptCount is how many timestamp corrections were requested.
	BackoffAttemptCount int
	// BackoffOverrideSeconds is subtracted from the timestamp of later attempts.
	BackoffOverrideSeconds int

	SessionID string
	// Attempts is the number of transport calls made.
	Attempts    int
	LastOutcome classify.Outcome
	Cancelled   bool
}

// recordClicks keeps the newest click across events and earlier attempts.
// A click only replaces the current one when its timestamp is strictly larger.
func (s *State) recordClicks(events []model.ClickEvent) {
	for _, ev := range events {
		if s.MostRecentClick != nil && ev.ClickTimestamp <= s.MostRecentClick.ClickTimestamp {
			continue
		}
		click := ev
		s.MostRecentClick = &click
	}
}

// Campaign returns the campaign fields of the most recent click, ignoring any
// lookback window.
func (s State) Campaign() (model.CampaignInfo, bool) {
	if !s.IsAttributed || s.MostRecentClick == nil {
		return model.CampaignInfo{}, false
	}
	return s.MostRecentClick.Campaign(), true
}
