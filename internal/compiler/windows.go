package compiler

import (
	"time"

	"cohort-engine/internal/condition"
)

const day = 24 * time.Hour

// Window is a time range [From, To), or [From, To] when IncludeTo is set.
type Window struct {
	From      time.Time
	To        time.Time
	IncludeTo bool
}

// Trailing is the closed window of the last days days ending at now.
func Trailing(now time.Time, days int) Window {
	return Window{From: now.Add(-time.Duration(days) * day), To: now, IncludeTo: true}
}

// StoppedWindows splits the historical window of a stopped_performing
// condition into [now-H, now-R) and [now-R, now].
func StoppedWindows(now time.Time, historicalDays, recentDays int) (historical, recent Window) {
	recentStart := now.Add(-time.Duration(recentDays) * day)
	historical = Window{From: now.Add(-time.Duration(historicalDays) * day), To: recentStart}
	recent = Window{From: recentStart, To: now, IncludeTo: true}
	return historical, recent
}

// RestartedWindows returns the three disjoint, contiguous windows of a
// restarted_performing condition:
//
//	historical [now-H,   now-R-G)
//	gap        [now-R-G, now-R)
//	recent     [now-R,   now]
func RestartedWindows(now time.Time, historicalDays, gapDays, recentDays int) (historical, gap, recent Window) {
	recentStart := now.Add(-time.Duration(recentDays) * day)
	gapStart := recentStart.Add(-time.Duration(gapDays) * day)
	historical = Window{From: now.Add(-time.Duration(historicalDays) * day), To: gapStart}
	gap = Window{From: gapStart, To: recentStart}
	recent = Window{From: recentStart, To: now, IncludeTo: true}
	return historical, gap, recent
}

// PeriodLength is the fixed duration of one performed_regularly period.
// Months are treated as 30 days.
func PeriodLength(g condition.Granularity) time.Duration {
	switch g {
	case condition.Week:
		return 7 * day
	case condition.Month:
		return 30 * day
	}
	return day
}
