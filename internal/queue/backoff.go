package queue

import (
	"math"
	"time"
)

// Backoff is the retry policy shared by the queue and webhook egress. After
// a failed attempt with retryCount prior retries, the next attempt is
// scheduled Base*Factor^retryCount later; an item is given up on once it has
// failed MaxRetries+1 times.
type Backoff struct {
	Base       time.Duration
	Factor     float64
	MaxRetries int
}

// DefaultBackoff retries after 5s, 10s and 20s.
var DefaultBackoff = Backoff{Base: 5 * time.Second, Factor: 2, MaxRetries: 3}

// Delay returns the wait before the retry that follows retryCount earlier retries.
func (b Backoff) Delay(retryCount int) time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(retryCount))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether an item that has already been retried retryCount
// times must not be retried again.
func (b Backoff) Exhausted(retryCount int) bool {
	return retryCount >= b.MaxRetries
}
