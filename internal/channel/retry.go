package channel

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy decides how long to wait before reconnect attempt n (1-based).
// Policies never give up: the supervisor keeps asking until Disconnect.
type RetryPolicy interface {
	Delay(attempt int) time.Duration
}

// ConstantRetry waits the same interval before every attempt.
type ConstantRetry struct {
	Interval time.Duration
}

// Delay implements RetryPolicy.
func (p ConstantRetry) Delay(int) time.Duration {
	return p.Interval
}

// ExponentialRetry doubles the wait from Base up to Max and adds up to 20%
// jitter so many clients restarting together spread their reconnects.
type ExponentialRetry struct {
	Base time.Duration
	Max  time.Duration
}

// Delay implements RetryPolicy.
func (p ExponentialRetry) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int64N(int64(d)/5+1))
}

// PolicyFor maps a configured policy name to a RetryPolicy.
// Unknown names get the constant policy.
func PolicyFor(name string, base, max time.Duration) RetryPolicy {
	if name == "exponential" {
		return ExponentialRetry{Base: base, Max: max}
	}
	return ConstantRetry{Interval: base}
}
