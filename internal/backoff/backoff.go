// Package backoff decides when a cohort that failed to compute may be retried.
//
// The retry window doubles with every consecutive error, capped at
// 2^MaxExponent times the base delay. Eligibility is derived purely from the
// error count and the time of the last error, so no extra state is stored.
package backoff

import (
	"time"
)

const (
	DefaultBaseDelay   = 30 * time.Minute
	DefaultMaxExponent = 10
)

// Policy configures the backoff window.
type Policy struct {
	BaseDelay   time.Duration
	MaxExponent int
}

// DefaultPolicy is 30 minutes doubling up to 2^10.
var DefaultPolicy = Policy{BaseDelay: DefaultBaseDelay, MaxExponent: DefaultMaxExponent}

// Delay returns the retry window after errors consecutive failures.
func (p Policy) Delay(errors int) time.Duration {
	if errors <= 0 {
		return 0
	}
	exp := errors
	if exp > p.MaxExponent {
		exp = p.MaxExponent
	}
	return time.Duration(int64(1)<<uint(exp)) * p.BaseDelay
}

// IsEligible reports whether a cohort may be computed at now. Cohorts without
// errors, or without a recorded error time, are always eligible. Otherwise
// the cohort becomes eligible at lastErrorAt + Delay(errors), inclusive.
func (p Policy) IsEligible(errors int, lastErrorAt *time.Time, now time.Time) bool {
	if errors == 0 || lastErrorAt == nil {
		return true
	}
	return !now.Before(lastErrorAt.Add(p.Delay(errors)))
}

// NextAttempt returns the earliest time the cohort may be retried.
func (p Policy) NextAttempt(errors int, lastErrorAt *time.Time) time.Time {
	if errors == 0 || lastErrorAt == nil {
		return time.Time{}
	}
	return lastErrorAt.Add(p.Delay(errors))
}

// IsEligible applies DefaultPolicy.
func IsEligible(errors int, lastErrorAt *time.Time, now time.Time) bool {
	return DefaultPolicy.IsEligible(errors, lastErrorAt, now)
}
