package fetcher

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"time"
)

// BackoffFunc returns the pause after the given failed attempt (1-based).
type BackoffFunc func(attempt int) time.Duration

// RetryPolicy bounds one logical fetch.
type RetryPolicy struct {
	MaxAttempts       int
	PerAttemptTimeout time.Duration
	Backoff           BackoffFunc
}

// Validate rejects policies that could never attempt a fetch.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("retry policy max attempts must be > 0")
	}
	if p.PerAttemptTimeout < 0 {
		return fmt.Errorf("retry policy per-attempt timeout must be >= 0")
	}
	return nil
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	if d := p.Backoff(attempt); d > 0 {
		return d
	}
	return 0
}

// NoBackoff retries immediately.
func NoBackoff(int) time.Duration { return 0 }

// ConstantBackoff pauses for d between attempts.
func ConstantBackoff(d time.Duration) BackoffFunc {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff doubles from base up to maxDelay and waits a random half-to-full share of it.
func ExponentialBackoff(base, maxDelay time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if base <= 0 {
			return 0
		}
		delay := float64(base) * math.Pow(2, float64(attempt-1))
		if maxDelay > 0 && delay > float64(maxDelay) {
			delay = float64(maxDelay)
		}
		half := time.Duration(delay / 2)
		return half + randomJitter(half)
	}
}

// BackoffByName resolves the configured backoff flavour.
func BackoffByName(name string, initial, maxDelay time.Duration) (BackoffFunc, error) {
	switch name {
	case "", "none":
		return NoBackoff, nil
	case "constant":
		return ConstantBackoff(initial), nil
	case "exponential":
		return ExponentialBackoff(initial, maxDelay), nil
	default:
		return nil, fmt.Errorf("unknown backoff %q", name)
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
