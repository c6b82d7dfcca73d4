package attribution

import (
	"github.com/aponysus/attribution/model"
	"github.com/aponysus/attribution/poll"
)

// ResultKind distinguishes the two outcomes of Track.
type ResultKind int

const (
	NotAttributed ResultKind = iota
	Attributed
)

func (k ResultKind) String() string {
	if k == Attributed {
		return "attributed"
	}
	return "not_attributed"
}

// Result is the outcome of Track. Campaign is set only when Kind is Attributed.
// NotAttributed covers both a definitive "no click" and a session that never
// got an answer; State.LastOutcome tells them apart for diagnostics.
type Result struct {
	Kind     ResultKind
	Campaign model.CampaignInfo
	State    poll.State
}

func (r Result) Attributed() bool { return r.Kind == Attributed }
