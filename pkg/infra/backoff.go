package infra

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^(attempt-1) for a 1-based attempt, saturating instead of overflowing.
// Attempts below 1 are treated as the first attempt.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	shift := attempt - 1
	if shift < 0 {
		shift = 0
	} else if shift > maxShift {
		shift = maxShift
	}

	multiplier := int64(1) << shift
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

// Backoff is a jittered exponential backoff used by long-running reconnect loops
type Backoff struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64
	current    time.Duration
	attempts   int
	jitter     bool
	mu         sync.Mutex
}

func NewBackoff(min, max time.Duration, mult float64) *Backoff {
	return &Backoff{
		minDelay:   min,
		maxDelay:   max,
		multiplier: mult,
		current:    min,
		jitter:     true,
	}
}

// WithoutJitter makes Next deterministic, mostly useful in tests
func (b *Backoff) WithoutJitter() *Backoff {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jitter = false
	return b
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++

	wait := b.current
	if b.jitter {
		jitterFactor := rand.Float64()*0.4 - 0.2
		wait = max(b.current+time.Duration(jitterFactor*float64(b.current)), b.minDelay)
	}

	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.maxDelay)

	return wait
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
	b.attempts = 0
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}
