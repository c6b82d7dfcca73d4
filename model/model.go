// Package model holds the value types shared by the attribution packages.
package model

import (
	"math"
	"time"
)

// Defaults used when a PollRequest leaves the field empty.
const (
	DefaultAppEventType = "first_open"
	DefaultIDType       = "advertisingid"
)

// ClickEvent is one ad click reported by the attribution endpoint.
//
// ClickTimestamp is in seconds since the epoch and keeps the sub-second part
// sent on the wire.
type ClickEvent struct {
	CampaignID     string  `json:"campaign_id"`
	CampaignName   string  `json:"campaign_name"`
	AdGroupID      string  `json:"ad_group_id"`
	AdGroupName    string  `json:"ad_group_name"`
	ClickTimestamp float64 `json:"timestamp"`
}

// ClickTime converts ClickTimestamp to a time.Time rounded to the microsecond.
func (e ClickEvent) ClickTime() time.Time {
	sec, frac := math.Modf(e.ClickTimestamp)
	usec := math.Round(frac * 1e6)
	return time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)).UTC()
}

// Campaign returns the campaign and ad group fields of e.
func (e ClickEvent) Campaign() CampaignInfo {
	return CampaignInfo{
		CampaignID:   e.CampaignID,
		CampaignName: e.CampaignName,
		AdGroupID:    e.AdGroupID,
		AdGroupName:  e.AdGroupName,
	}
}

// CampaignInfo is what callers read back once a click is inside the lookback window.
type CampaignInfo struct {
	CampaignID   string `json:"campaign_id"`
	CampaignName string `json:"campaign_name"`
	AdGroupID    string `json:"ad_group_id"`
	AdGroupName  string `json:"ad_group_name"`
}

// PollRequest is the per-session input of a poll. It is built once and never mutated.
type PollRequest struct {
	DeviceID        string
	LimitAdTracking bool
	// MaxRetries is the retry count after the first attempt. Nil selects the
	// caller's default; an explicit zero means a single attempt.
	MaxRetries     *int
	AttemptTimeout time.Duration
	AppVersion     string
	OSVersion      string
	SDKVersion     string
	DevToken       string
	LinkID         string
	AppEventType   string
	IDType         string
}

// Retries returns a pointer to n for PollRequest.MaxRetries.
func Retries(n int) *int { return &n }

// EventType returns AppEventType or DefaultAppEventType when unset.
func (r PollRequest) EventType() string {
	if r.AppEventType == "" {
		return DefaultAppEventType
	}
	return r.AppEventType
}

// IdentifierType returns IDType or DefaultIDType when unset.
func (r PollRequest) IdentifierType() string {
	if r.IDType == "" {
		return DefaultIDType
	}
	return r.IDType
}

// LATFlag renders LimitAdTracking the way the endpoint expects it.
func (r PollRequest) LATFlag() string {
	if r.LimitAdTracking {
		return "1"
	}
	return "0"
}
