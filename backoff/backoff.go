// Package backoff computes the clock-skew correction applied to the request
// timestamp after the endpoint rejects it as invalid.
//
// The correction is subtracted from the timestamp of the next attempt. It is
// not a delay: nothing in this package sleeps.
package backoff

import "time"

// DefaultFallbackSeconds is returned once the attempt count runs past the table.
const DefaultFallbackSeconds = 3

var defaultTable = []int{1, 3, 10, 20, 60, 120, 300}

// DefaultTable returns a copy of the default escalation table.
func DefaultTable() []int {
	out := make([]int, len(defaultTable))
	copy(out, defaultTable)
	return out
}

// Seconds returns the correction for attemptCount using the default table.
func Seconds(attemptCount int) int {
	return lookup(defaultTable, DefaultFallbackSeconds, attemptCount)
}

// Correction converts a number of seconds to a duration.
func Correction(seconds int) time.Duration {
	if seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// Scheduler hands out corrections for one poll session.
//
// A Scheduler is not safe for concurrent use; each session owns its own.
type Scheduler struct {
	table    []int
	fallback int
	count    int
}

// NewScheduler returns a Scheduler over table. A nil or empty table selects
// the default table; a negative fallback selects DefaultFallbackSeconds.
func NewScheduler(table []int, fallback int) *Scheduler {
	if len(table) == 0 {
		table = defaultTable
	}
	if fallback < 0 {
		fallback = DefaultFallbackSeconds
	}
	t := make([]int, len(table))
	copy(t, table)
	return &Scheduler{table: t, fallback: fallback}
}

// Next returns the correction for the current count and increments the count.
func (s *Scheduler) Next() int {
	secs := s.At(s.count)
	s.count++
	return secs
}

// At returns the correction for attemptCount without touching the count.
func (s *Scheduler) At(attemptCount int) int {
	return lookup(s.table, s.fallback, attemptCount)
}

// Count reports how many corrections Next has handed out.
func (s *Scheduler) Count() int { return s.count }

func lookup(table []int, fallback, attemptCount int) int {
	if attemptCount < 0 {
		attemptCount = 0
	}
	if attemptCount > len(table)-1 {
		return fallback
	}
	if v := table[attemptCount]; v > 0 {
		return v
	}
	return 0
}
