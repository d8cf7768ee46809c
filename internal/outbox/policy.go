package outbox

import "time"

// Policy configures retry scheduling and retention.
type Policy struct {
	// Base is the first backoff step.
	Base time.Duration

	// MaxInterval caps a single backoff step.
	MaxInterval time.Duration

	// MaxRetries is the number of failed attempts after which an operation
	// becomes terminally FAILED.
	MaxRetries int

	// Retention is how long COMPLETED operations are kept, and how far back
	// the sweep looks for writes without an operation.
	Retention time.Duration
}

// DefaultPolicy returns the production policy.
func DefaultPolicy() Policy {
	return Policy{
		Base:        5 * time.Second,
		MaxInterval: 5 * time.Minute,
		MaxRetries:  8,
		Retention:   7 * 24 * time.Hour,
	}
}

// Backoff returns the delay before the next attempt of an operation that
// has failed retryCount times: Base * 2^retryCount, capped at MaxInterval.
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.Base
	for i := 0; i < retryCount; i++ {
		if delay >= p.MaxInterval {
			break
		}
		delay *= 2
	}
	if p.MaxInterval > 0 && delay > p.MaxInterval {
		delay = p.MaxInterval
	}
	return delay
}

// Exhausted reports whether an operation with retryCount failures must stop
// retrying.
func (p Policy) Exhausted(retryCount int) bool {
	return p.MaxRetries > 0 && retryCount >= p.MaxRetries
}
