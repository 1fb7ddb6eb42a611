// Package retry computes reconnection delays: exponential backoff with
// jitter for a bounded number of attempts, then a fixed dormant interval.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultBaseDelay       = time.Second
	DefaultMaxDelay        = 30 * time.Second
	DefaultMaxAttempts     = 10
	DefaultDormantInterval = 60 * time.Second
	DefaultJitter          = 0.2
)

// Backoff describes a retry schedule. Zero fields take the defaults.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// MaxAttempts is the number of backoff attempts before going dormant.
	MaxAttempts int

	// DormantInterval spaces attempts once MaxAttempts is exhausted.
	DormantInterval time.Duration

	// Jitter is the relative spread applied to each delay, 0 to 1.
	// Negative disables jitter.
	Jitter float64
}

// WithDefaults fills unset fields.
func (b Backoff) WithDefaults() Backoff {
	if b.BaseDelay <= 0 {
		b.BaseDelay = DefaultBaseDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = DefaultMaxDelay
	}
	if b.MaxDelay < b.BaseDelay {
		b.MaxDelay = b.BaseDelay
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultMaxAttempts
	}
	if b.DormantInterval <= 0 {
		b.DormantInterval = DefaultDormantInterval
	}
	if b.Jitter == 0 {
		b.Jitter = DefaultJitter
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	return b
}

// Dormant reports whether attempt (0-based) is past the backoff phase.
func (b Backoff) Dormant(attempt int) bool {
	return attempt >= b.MaxAttempts
}

// Delay returns how long to wait before attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Dormant(attempt) {
		return b.jitter(float64(b.DormantInterval))
	}
	return Delay(b.BaseDelay, b.MaxDelay, b.Jitter, attempt)
}

func (b Backoff) jitter(d float64) time.Duration {
	if b.Jitter > 0 {
		d *= 1 - b.Jitter + rand.Float64()*2*b.Jitter
	}
	return time.Duration(d)
}

// Delay is base*2^attempt capped at max, spread by ±jitter.
func Delay(base, max time.Duration, jitter float64, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}
	if jitter > 0 {
		d *= 1 - jitter + rand.Float64()*2*jitter
	}
	return time.Duration(d)
}
