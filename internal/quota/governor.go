// Package quota decides whether a session may submit another application.
//
// The governor is pure: it reads a snapshot of limits and committed counts and
// never mutates state. Counts come from the application ledger.
package quota

import "time"

// Limits are the configured caps of one session.
type Limits struct {
	Daily    int
	Lifetime int
	// Location is the session timezone. Nil means UTC.
	Location *time.Location
}

// Counts are the committed applied entries of one session.
type Counts struct {
	Total int
	Today int
}

// Decision is the result of MayDispatch.
type Decision struct {
	Allowed bool
	// RetryAfter is set when the denial lifts at the next day boundary.
	RetryAfter time.Duration
	// Permanent is set when no further dispatch will ever be allowed.
	Permanent bool
	Reason    string
}

const (
	ReasonLifetimeReached = "lifetime_limit_reached"
	ReasonDailyReached    = "daily_limit_reached"
	ReasonNoDailyBudget   = "daily_limit_zero"
)

// MayDispatch reports whether one more submission fits the session's quota at now.
func MayDispatch(limits Limits, counts Counts, now time.Time) Decision {
	if counts.Total >= limits.Lifetime {
		return Decision{Permanent: true, Reason: ReasonLifetimeReached}
	}
	if limits.Daily <= 0 {
		// Rejected at creation; rows carrying it wait for a config edit instead of ending.
		return Decision{RetryAfter: untilNextDay(now, limits.Location), Reason: ReasonNoDailyBudget}
	}
	if counts.Today >= limits.Daily {
		return Decision{RetryAfter: untilNextDay(now, limits.Location), Reason: ReasonDailyReached}
	}
	return Decision{Allowed: true}
}

// DayStart returns local midnight of the day containing now.
func DayStart(now time.Time, loc *time.Location) time.Time {
	local := now.In(location(loc))
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}

// NextDayBoundary returns the next local midnight strictly after now.
func NextDayBoundary(now time.Time, loc *time.Location) time.Time {
	start := DayStart(now, loc)
	// AddDate keeps wall-clock midnight across DST changes.
	return start.AddDate(0, 0, 1)
}

// DayKey identifies the local calendar day of now, e.g. "2026-03-14".
func DayKey(now time.Time, loc *time.Location) string {
	return now.In(location(loc)).Format(time.DateOnly)
}

func untilNextDay(now time.Time, loc *time.Location) time.Duration {
	d := NextDayBoundary(now, loc).Sub(now)
	if d <= 0 {
		d = time.Second
	}
	return d
}

func location(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
