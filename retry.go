package ariarpc

import "time"

const (
	defaultRetryInterval    = time.Second
	defaultRetryMaxAttempts = 5
)

type Backoff interface {
	Next() time.Duration
	Reset()
}

type exponentialBackoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration
}

// NewExponentialBackoff doubles from base up to max. base == max gives a
// constant interval.
func NewExponentialBackoff(base, max time.Duration) Backoff {
	return &exponentialBackoff{base: base, max: max}
}

func (b *exponentialBackoff) Next() time.Duration {
	if b.base <= 0 {
		return 0
	}
	if b.cur == 0 {
		b.cur = b.base
		return b.cur
	}
	b.cur *= 2
	if b.max > 0 && b.cur > b.max {
		b.cur = b.max
	}
	return b.cur
}

func (b *exponentialBackoff) Reset() {
	b.cur = 0
}

// RetryPolicy bounds how a call that timed out is re-sent. Only correlation
// timeouts are retried; remote errors and connection failures are returned
// as they are. A zero MaxAttempts or MaxElapsed leaves that bound unset, but
// at least one of them always applies.
type RetryPolicy struct {
	Interval    time.Duration
	MaxAttempts int
	MaxElapsed  time.Duration
	// Backoff, when set, replaces the constant Interval.
	Backoff func() Backoff
}

// DefaultRetryPolicy re-sends every second, five attempts in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Interval: defaultRetryInterval, MaxAttempts: defaultRetryMaxAttempts}
}

// NoRetry makes every call a single attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 && p.MaxElapsed <= 0 {
		p.MaxAttempts = defaultRetryMaxAttempts
	}
	if p.Interval < 0 {
		p.Interval = 0
	}
	return p
}

func (p RetryPolicy) newBackoff() Backoff {
	if p.Backoff != nil {
		return p.Backoff()
	}
	return &exponentialBackoff{base: p.Interval, max: p.Interval}
}

// retryState carries the attempt counter of one call.
type retryState struct {
	policy   RetryPolicy
	backoff  Backoff
	started  time.Time
	attempts int
}

func newRetryState(p RetryPolicy) *retryState {
	p = p.normalized()
	return &retryState{policy: p, backoff: p.newBackoff(), started: time.Now()}
}

// next reports the wait before another attempt, or false when a bound has
// been reached.
func (r *retryState) next() (time.Duration, bool) {
	if r.policy.MaxAttempts > 0 && r.attempts >= r.policy.MaxAttempts {
		return 0, false
	}
	wait := r.backoff.Next()
	if r.policy.MaxElapsed > 0 && time.Since(r.started)+wait >= r.policy.MaxElapsed {
		return 0, false
	}
	return wait, true
}

func (r *retryState) elapsed() time.Duration {
	return time.Since(r.started)
}
