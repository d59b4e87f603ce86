package engine

import "time"

// BackoffKind selects how retry intervals grow between attempts.
type BackoffKind int

const (
	BackoffFixed BackoffKind = iota
	BackoffExponential
)

// RetryPolicy bounds how long the tracker keeps retrying an unanswered
// call. MaxAttempts 0 means unlimited; transaction-defining calls use large
// budgets because losing a stop confirmation has billing consequences,
// status-class calls give up quickly.
type RetryPolicy struct {
	MaxAttempts int
	// Timeout is the deadline for the first attempt.
	Timeout time.Duration
	Backoff BackoffKind
	// MaxInterval caps exponential growth. Zero means no cap.
	MaxInterval time.Duration
}

// Interval returns the wait before the given attempt expires; attempt is
// 1-based.
func (p RetryPolicy) Interval(attempt int) time.Duration {
	if p.Backoff == BackoffFixed || attempt <= 1 {
		return p.Timeout
	}
	d := p.Timeout
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxInterval > 0 && d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	return d
}

// Exhausted reports whether no further attempt is allowed after the given
// number of completed attempts.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// DefaultStatusPolicy is for status/heartbeat-class calls: short timeout,
// small bounded retry count.
func DefaultStatusPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Timeout: 10 * time.Second, Backoff: BackoffFixed}
}

// DefaultTransactionPolicy is for transaction start/stop calls: long
// exponential backoff with a generous budget.
func DefaultTransactionPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		Timeout:     30 * time.Second,
		Backoff:     BackoffExponential,
		MaxInterval: 5 * time.Minute,
	}
}

// DefaultBootPolicy never gives up; a charge point that cannot register is
// useless, so it keeps knocking at a fixed interval.
func DefaultBootPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 0, Timeout: 30 * time.Second, Backoff: BackoffFixed}
}
