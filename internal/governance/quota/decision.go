package quota

import (
	"fmt"
	"time"
)

// Trailing windows evaluated on every check.
const (
	MinuteWindow = time.Minute
	HourWindow   = time.Hour
	DayWindow    = 24 * time.Hour
)

// resetClock is the layout used for the reset hint in denial messages.
const resetClock = "15:04"

// NewSnapshot builds a snapshot from window counts. The user is rate limited
// when any count has reached its limit.
func NewSnapshot(hour, day, minute int, limits Limits, now time.Time) Snapshot {
	return Snapshot{
		MessagesThisHour: hour,
		MessagesThisDay:  day,
		CallsThisMinute:  minute,
		Limits:           limits,
		IsRateLimited: hour >= limits.MessagesPerHour ||
			day >= limits.MessagesPerDay ||
			minute >= limits.CallsPerMinute,
		EvaluatedAt: now,
	}
}

// Decide turns a snapshot into a decision. When several windows are exhausted
// the hourly limit is reported first, then the daily, then the per-minute one.
func Decide(s Snapshot, now time.Time) Decision {
	if !s.IsRateLimited {
		return Decision{Allowed: true, Snapshot: s}
	}

	switch {
	case s.MessagesThisHour >= s.Limits.MessagesPerHour:
		reset := now.Add(HourWindow).UTC()
		return Decision{
			Reason:     ReasonHourlyLimit,
			Message:    fmt.Sprintf("Hourly limit reached (%d messages). Reset at %s", s.Limits.MessagesPerHour, reset.Format(resetClock)),
			ResetAt:    &reset,
			RetryAfter: HourWindow,
			Snapshot:   s,
		}
	case s.MessagesThisDay >= s.Limits.MessagesPerDay:
		reset := now.Add(DayWindow).UTC()
		return Decision{
			Reason:     ReasonDailyLimit,
			Message:    fmt.Sprintf("Daily limit reached (%d messages). Reset at %s", s.Limits.MessagesPerDay, reset.Format(resetClock)),
			ResetAt:    &reset,
			RetryAfter: DayWindow,
			Snapshot:   s,
		}
	default:
		return Decision{
			Reason:     ReasonMinuteLimit,
			Message:    "Too many requests. Please wait before sending another message.",
			RetryAfter: MinuteWindow,
			Snapshot:   s,
		}
	}
}

// Err returns nil for an allowed decision and an *ExceededError otherwise.
func (d *Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &ExceededError{Decision: *d}
}

// NewStats builds the statistics view for a policy and snapshot.
func NewStats(p *Policy, s Snapshot) *Stats {
	return &Stats{
		Tier:          p.Tier(),
		MessagesHour:  newMeter(s.MessagesThisHour, s.Limits.MessagesPerHour),
		MessagesDay:   newMeter(s.MessagesThisDay, s.Limits.MessagesPerDay),
		CallsMinute:   newMeter(s.CallsThisMinute, s.Limits.CallsPerMinute),
		IsRateLimited: s.IsRateLimited,
	}
}

// newMeter computes current/limit as a percentage clamped to [0, 100].
func newMeter(current, limit int) Meter {
	m := Meter{Current: current, Limit: limit}
	if limit <= 0 {
		m.Percentage = 100
		return m
	}
	pct := float64(current) / float64(limit) * 100
	m.Percentage = min(max(pct, 0), 100)
	return m
}
