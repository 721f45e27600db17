package eventstore

import "time"

// Backoff calculates capped exponential delays
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxExponent int
}

// DefaultBackoff is used for outbox retries and projection restarts:
// 10s, 20s, 40s ... up to 10 minutes
var DefaultBackoff = Backoff{
	Base:        10 * time.Second,
	Max:         10 * time.Minute,
	MaxExponent: 10,
}

// Delay returns the delay before the given (1 based) attempt:
// min(Max, Base * 2^min(attempt-1, MaxExponent))
func (b Backoff) Delay(attempt int) time.Duration {
	exp := attempt - 1
	if exp < 0 {
		exp = 0
	}

	if b.MaxExponent > 0 && exp > b.MaxExponent {
		exp = b.MaxExponent
	}

	d := b.Base
	for i := 0; i < exp; i++ {
		d *= 2

		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}

	if b.Max > 0 && d > b.Max {
		return b.Max
	}

	return d
}
