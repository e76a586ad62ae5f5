// Package backoff computes retry delays for failed jobs.
// Everything here is pure and safe for concurrent use.
package backoff

import "time"

// DelaySeconds returns min(base^attempt, cap).
//
// attempt is the post-increment attempt count, so the first retry uses 1.
// The running product is clamped as soon as it reaches cap, which keeps
// large attempts from overflowing. A non-positive cap yields 0.
func DelaySeconds(base, attempt, cap int) int64 {
	if cap <= 0 {
		return 0
	}
	limit := int64(cap)
	if attempt <= 0 || base == 1 {
		return min(1, limit)
	}
	if base <= 0 {
		return 0
	}
	b := int64(base)
	d := int64(1)
	for i := 0; i < attempt; i++ {
		if d > limit/b {
			return limit
		}
		d *= b
	}
	return min(d, limit)
}

// Delay is DelaySeconds as a time.Duration.
func Delay(base, attempt, cap int) time.Duration {
	return time.Duration(DelaySeconds(base, attempt, cap)) * time.Second
}

// Policy bundles the configured base and cap.
type Policy struct {
	Base   int // BACKOFF_BASE
	MaxSec int // MAX_BACKOFF_SEC
}

// DefaultPolicy matches the shipped configuration defaults.
var DefaultPolicy = Policy{Base: 2, MaxSec: 60}

// Delay returns the wait before the job becomes eligible again.
func (p Policy) Delay(attempt int) time.Duration {
	return Delay(p.Base, attempt, p.MaxSec)
}
