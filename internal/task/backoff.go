package task

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes retry delays: base * 2^(attempt-1), scaled by a jitter
// factor in [0.5, 1.0] and capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBackoff creates a Backoff with its own random source.
func NewBackoff(base, maxDelay time.Duration) *Backoff {
	return &Backoff{
		Base: base,
		Max:  maxDelay,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Ceiling is the delay before jitter for the given 1-based attempt. It never
// decreases as attempt grows.
func (b *Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Delay is Ceiling with jitter applied.
func (b *Backoff) Delay(attempt int) time.Duration {
	return time.Duration(float64(b.Ceiling(attempt)) * b.jitter())
}

func (b *Backoff) jitter() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rng == nil {
		b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return 0.5 + b.rng.Float64()*0.5
}
