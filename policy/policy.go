// Package policy describes how a poll session is run: how many retries it
// may make, how long each attempt may take, how the timestamp correction
// escalates and which lookback window applies by default.
package policy

import (
	"strconv"
	"time"

	"github.com/aponysus/attribution/backoff"
)

// PollPolicy is the tunable part of a poll session.
type PollPolicy struct {
	MaxRetries      int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	AttemptTimeout  time.Duration `json:"attempt_timeout" yaml:"attempt_timeout" mapstructure:"attempt_timeout"`
	BackoffTable    []int         `json:"backoff_table" yaml:"backoff_table" mapstructure:"backoff_table"`
	BackoffFallback int           `json:"backoff_fallback" yaml:"backoff_fallback" mapstructure:"backoff_fallback"`
	LookbackDays    int           `json:"lookback_days" yaml:"lookback_days" mapstructure:"lookback_days"`

	Meta Metadata `json:"-" yaml:"-" mapstructure:"-"`
}

// NormalizationInfo lists the fields Normalize had to change.
type NormalizationInfo struct {
	Changed       bool
	ChangedFields []string
}

type Metadata struct {
	Normalization NormalizationInfo
}

const (
	DefaultMaxRetries     = 3
	DefaultAttemptTimeout = 5 * time.Second
	DefaultLookbackDays   = 30

	maxRetries         = 10
	minAttemptTimeout  = 100 * time.Millisecond
	maxAttemptTimeout  = 60 * time.Second
	maxBackoffSeconds  = 3600
	minLookbackDays    = 1
	maxLookbackDays    = 364
	maxBackoffTableLen = 32
)

// DefaultPollPolicy returns the policy used when nothing is configured.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		MaxRetries:      DefaultMaxRetries,
		AttemptTimeout:  DefaultAttemptTimeout,
		BackoffTable:    backoff.DefaultTable(),
		BackoffFallback: backoff.DefaultFallbackSeconds,
		LookbackDays:    DefaultLookbackDays,
	}
}

// Normalize clamps out-of-range values and fills empty ones with defaults.
// It returns a *NormalizeError for values that cannot be repaired.
func (p PollPolicy) Normalize() (PollPolicy, error) {
	normalized := p
	normalized.BackoffTable = append([]int(nil), p.BackoffTable...)
	norm := &normalized.Meta.Normalization

	markChanged := func(field string) {
		norm.Changed = true
		for _, f := range norm.ChangedFields {
			if f == field {
				return
			}
		}
		norm.ChangedFields = append(norm.ChangedFields, field)
	}

	if normalized.MaxRetries < 0 {
		normalized.MaxRetries = 0
		markChanged("max_retries")
	} else if normalized.MaxRetries > maxRetries {
		normalized.MaxRetries = maxRetries
		markChanged("max_retries")
	}

	if normalized.AttemptTimeout <= 0 {
		normalized.AttemptTimeout = DefaultAttemptTimeout
		markChanged("attempt_timeout")
	} else if normalized.AttemptTimeout < minAttemptTimeout {
		normalized.AttemptTimeout = minAttemptTimeout
		markChanged("attempt_timeout")
	} else if normalized.AttemptTimeout > maxAttemptTimeout {
		normalized.AttemptTimeout = maxAttemptTimeout
		markChanged("attempt_timeout")
	}

	if len(normalized.BackoffTable) == 0 {
		normalized.BackoffTable = backoff.DefaultTable()
		markChanged("backoff_table")
	}
	if len(normalized.BackoffTable) > maxBackoffTableLen {
		return PollPolicy{}, &NormalizeError{Field: "backoff_table", Value: strconv.Itoa(len(normalized.BackoffTable)) + " entries"}
	}
	for i, secs := range normalized.BackoffTable {
		if secs < 0 {
			return PollPolicy{}, &NormalizeError{Field: "backoff_table[" + strconv.Itoa(i) + "]", Value: strconv.Itoa(secs)}
		}
		if secs > maxBackoffSeconds {
			normalized.BackoffTable[i] = maxBackoffSeconds
			markChanged("backoff_table")
		}
	}

	if normalized.BackoffFallback < 0 {
		return PollPolicy{}, &NormalizeError{Field: "backoff_fallback", Value: strconv.Itoa(normalized.BackoffFallback)}
	}
	if normalized.BackoffFallback == 0 {
		normalized.BackoffFallback = backoff.DefaultFallbackSeconds
		markChanged("backoff_fallback")
	}

	if normalized.LookbackDays == 0 {
		normalized.LookbackDays = DefaultLookbackDays
		markChanged("lookback_days")
	}
	if normalized.LookbackDays < minLookbackDays || normalized.LookbackDays > maxLookbackDays {
		return PollPolicy{}, &NormalizeError{Field: "lookback_days", Value: strconv.Itoa(normalized.LookbackDays)}
	}

	return normalized, nil
}

// Scheduler returns a fresh backoff scheduler for one session.
func (p PollPolicy) Scheduler() *backoff.Scheduler {
	return backoff.NewScheduler(p.BackoffTable, p.BackoffFallback)
}
