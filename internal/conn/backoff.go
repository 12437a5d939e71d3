package conn

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// DefaultRetryDelay is the fixed pause between reconnect attempts.
const DefaultRetryDelay = time.Second

// Backoff returns the wait before the given reconnect attempt (1-based).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// FixedBackoff waits the same duration before every attempt.
type FixedBackoff time.Duration

// Delay implements Backoff.
func (f FixedBackoff) Delay(int) time.Duration {
	if f <= 0 {
		return DefaultRetryDelay
	}
	return time.Duration(f)
}

// ExponentialBackoff doubles the delay per attempt with jitter, capped at Max.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// NewExponentialBackoff builds a policy starting at base and capped at ceiling.
// Non-positive values fall back to 250ms and 30s.
func NewExponentialBackoff(base, ceiling time.Duration) *ExponentialBackoff {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	return &ExponentialBackoff{Base: base, Max: ceiling}
}

// Delay returns a jittered value in [d/2, d) where d = Base*2^(attempt-1).
func (p *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
