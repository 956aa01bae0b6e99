// Wait policies for lock acquisition.
//
// A policy is either unbounded (wait until the lock is free) or bounded by
// a duration. Bounded(0) makes a single attempt and never sleeps.
package pkgstate

import "time"

// WaitPolicy governs how long Acquire blocks before giving up.
// The zero value is Bounded(0).
type WaitPolicy struct {
	unbounded bool
	limit     time.Duration
}

// Unbounded waits for as long as it takes.
func Unbounded() WaitPolicy {
	return WaitPolicy{unbounded: true}
}

// Bounded waits at most d. Negative durations are treated as zero.
func Bounded(d time.Duration) WaitPolicy {
	if d < 0 {
		d = 0
	}
	return WaitPolicy{limit: d}
}

// Limit returns the bound and whether one applies.
func (p WaitPolicy) Limit() (time.Duration, bool) {
	if p.unbounded {
		return 0, false
	}
	return p.limit, true
}

func (p WaitPolicy) String() string {
	if p.unbounded {
		return "unbounded"
	}
	return p.limit.String()
}

