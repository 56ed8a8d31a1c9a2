package backoff

import (
	"math"
	"math/rand"
	"time"
)

type Policy string

const (
	Fixed          Policy = "fixed"
	Linear         Policy = "linear"
	Exponential    Policy = "exponential"
	ExpEqualJitter Policy = "exp_equal_jitter"
	ExpFullJitter  Policy = "exp_full_jitter"
)

// Delay returns how long to wait before retry number attempt (>= 0).
// Unknown policies behave like ExpFullJitter.
func Delay(policy Policy, base, max time.Duration, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = base
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	switch policy {
	case Fixed:
		return min(base, max)
	case Linear:
		return min(base*time.Duration(maxInt(1, attempt)), max)
	case Exponential:
		return exp(base, max, attempt)
	case ExpEqualJitter:
		ceiling := exp(base, max, attempt)
		half := ceiling / 2
		return half + time.Duration(rng.Int63n(int64(ceiling-half)+1))
	default:
		ceiling := exp(base, max, attempt)
		if ceiling <= 0 {
			return 0
		}
		return time.Duration(rng.Int63n(int64(ceiling) + 1))
	}
}

// exp is base*2^attempt capped at max, safe against overflow.
func exp(base, max time.Duration, attempt int) time.Duration {
	f := float64(base) * math.Pow(2, float64(attempt))
	if f >= float64(max) || math.IsInf(f, 0) {
		return max
	}
	return time.Duration(f)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
