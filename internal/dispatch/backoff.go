package dispatch

import (
	"math"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// jitterFraction bounds the random spread applied to a retry delay.
const jitterFraction = 0.25

// RetryPolicy controls how failed batches are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	// Jitter spreads each delay uniformly by ±25%.
	Jitter bool
}

// DefaultRetry is the standard retry policy.
var DefaultRetry = RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: 1 * time.Second,
	Multiplier:   2.0,
	MaxDelay:     30 * time.Second,
	Jitter:       true,
}

// Delay returns the wait before the retry that follows attempt, where the
// first attempt is 1: min(initial * multiplier^(attempt-1), max).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter && d > 0 {
		d += d * jitterFraction * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

func retryDelayAttr(d time.Duration) attribute.KeyValue {
	return attribute.Int64("retry.delay_ms", d.Milliseconds())
}
