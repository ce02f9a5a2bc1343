// Package backoff computes retry delays for failed deliveries.
//
//	delay = min(Max, Initial * Multiplier^(attempt-1)) * (1 + u),  u ~ U[-Jitter, +Jitter]
//
// With the defaults (1s, x2, 30s cap, 20% jitter) attempts 1..5 wait about
// 1s, 2s, 4s, 8s and 16s.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Source is the randomness used for jitter. *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// Policy is an exponential backoff with a cap and symmetric jitter.
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64

	mu  sync.Mutex
	rnd Source
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() *Policy {
	return New(time.Second, 2, 30*time.Second, 0.2, nil)
}

// New builds a policy. A nil source falls back to a time-seeded generator.
func New(initial time.Duration, multiplier float64, maxDelay time.Duration, jitter float64, src Source) *Policy {
	if src == nil {
		src = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Policy{
		Initial:    initial,
		Multiplier: multiplier,
		Max:        maxDelay,
		Jitter:     jitter,
		rnd:        src,
	}
}

// WithSeed returns a policy with a deterministic jitter source.
func WithSeed(initial time.Duration, multiplier float64, maxDelay time.Duration, jitter float64, seed int64) *Policy {
	return New(initial, multiplier, maxDelay, jitter, rand.New(rand.NewSource(seed)))
}

// Validate checks the configured values are usable.
func (p *Policy) Validate() error {
	var errs []error
	if p.Initial <= 0 {
		errs = append(errs, fmt.Errorf("initial delay must be positive, got %s", p.Initial))
	}
	if p.Max <= 0 {
		errs = append(errs, fmt.Errorf("max delay must be positive, got %s", p.Max))
	}
	if p.Max < p.Initial {
		errs = append(errs, fmt.Errorf("max delay %s is below initial delay %s", p.Max, p.Initial))
	}
	if p.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("multiplier must be >= 1, got %g", p.Multiplier))
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("jitter must be in [0,1), got %g", p.Jitter))
	}
	return errors.Join(errs...)
}

// Base returns the un-jittered delay for the given attempt number (1-based).
func (p *Policy) Base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// NextDelay returns the jittered delay to wait after the given attempt.
func (p *Policy) NextDelay(attempt int) time.Duration {
	base := float64(p.Base(attempt))
	if p.Jitter <= 0 {
		return time.Duration(base)
	}
	u := (p.float64()*2 - 1) * p.Jitter
	d := base * (1 + u)
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// NextAttemptAt returns when the next attempt becomes due.
func (p *Policy) NextAttemptAt(now time.Time, attempt int) time.Time {
	return now.Add(p.NextDelay(attempt))
}

// Bounds returns the smallest and largest delay NextDelay can ever return.
func (p *Policy) Bounds() (time.Duration, time.Duration) {
	lo := float64(p.Initial) * (1 - p.Jitter)
	if lo < 0 {
		lo = 0
	}
	hi := float64(p.Max) * (1 + p.Jitter)
	return time.Duration(lo), time.Duration(hi)
}

func (p *Policy) float64() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rnd.Float64()
}
