package backoff

import (
	"math"
	"testing"
	"time"
)

type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

func TestBase(t *testing.T) {
	p := New(time.Second, 2, 30*time.Second, 0, nil)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 8 * time.Second},
		{attempt: 5, want: 16 * time.Second},
		{attempt: 6, want: 30 * time.Second},
		{attempt: 200, want: 30 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Base(tt.attempt); got != tt.want {
			t.Errorf("Base(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
		if got := p.NextDelay(tt.attempt); got != tt.want {
			t.Errorf("NextDelay(%d) without jitter = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestNextDelayJitterExtremes(t *testing.T) {
	tests := []struct {
		name string
		u    float64
		want time.Duration
	}{
		{name: "lowest draw", u: 0, want: 800 * time.Millisecond},
		{name: "midpoint draw", u: 0.5, want: time.Second},
		{name: "highest draw", u: 1, want: 1200 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(time.Second, 2, 30*time.Second, 0.2, fixedSource(tt.u))
			got := p.NextDelay(1)
			if diff := math.Abs(float64(got - tt.want)); diff > float64(time.Microsecond) {
				t.Errorf("NextDelay(1) = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextDelayDeterministicWithSeed(t *testing.T) {
	a := WithSeed(time.Second, 2, 30*time.Second, 0.2, 42)
	b := WithSeed(time.Second, 2, 30*time.Second, 0.2, 42)

	for attempt := 1; attempt <= 10; attempt++ {
		da, db := a.NextDelay(attempt), b.NextDelay(attempt)
		if da != db {
			t.Fatalf("attempt %d: seeded policies diverged: %s vs %s", attempt, da, db)
		}
	}
}

func TestNextDelayWithinBounds(t *testing.T) {
	p := WithSeed(time.Second, 2, 30*time.Second, 0.2, 7)
	lo, hi := p.Bounds()

	for i := 0; i < 2000; i++ {
		attempt := i%12 + 1
		d := p.NextDelay(attempt)
		if d < lo || d > hi {
			t.Fatalf("NextDelay(%d) = %s outside [%s, %s]", attempt, d, lo, hi)
		}
		base := p.Base(attempt)
		if float64(d) < float64(base)*0.8-1 || float64(d) > float64(base)*1.2+1 {
			t.Fatalf("NextDelay(%d) = %s outside ±20%% of %s", attempt, d, base)
		}
	}
}

func TestNextDelayNonDecreasingInExpectation(t *testing.T) {
	p := WithSeed(time.Second, 2, 30*time.Second, 0.2, 99)
	const samples = 500

	prev := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		var sum time.Duration
		for i := 0; i < samples; i++ {
			sum += p.NextDelay(attempt)
		}
		mean := sum / samples
		// Means of adjacent capped attempts are equal in expectation; allow sampling noise.
		if float64(mean) < float64(prev)*0.95 {
			t.Errorf("mean delay for attempt %d = %s, below previous %s", attempt, mean, prev)
		}
		prev = mean
	}
}

func TestScenarioFiveAttempts(t *testing.T) {
	p := WithSeed(time.Second, 2, 30*time.Second, 0.2, 1)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

	for i, base := range want {
		got := p.NextDelay(i + 1)
		if float64(got) < float64(base)*0.8 || float64(got) > float64(base)*1.2 {
			t.Errorf("attempt %d delay = %s, want %s ±20%%", i+1, got, base)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  *Policy
		wantErr bool
	}{
		{name: "defaults", policy: DefaultPolicy()},
		{name: "zero initial", policy: New(0, 2, time.Second, 0.1, nil), wantErr: true},
		{name: "max below initial", policy: New(2*time.Second, 2, time.Second, 0.1, nil), wantErr: true},
		{name: "multiplier below one", policy: New(time.Second, 0.5, time.Minute, 0.1, nil), wantErr: true},
		{name: "negative jitter", policy: New(time.Second, 2, time.Minute, -0.1, nil), wantErr: true},
		{name: "jitter of one", policy: New(time.Second, 2, time.Minute, 1, nil), wantErr: true},
		{name: "constant backoff", policy: New(time.Second, 1, time.Second, 0, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNextAttemptAt(t *testing.T) {
	p := New(time.Second, 2, 30*time.Second, 0, nil)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	if got := p.NextAttemptAt(now, 3); !got.Equal(now.Add(4 * time.Second)) {
		t.Errorf("NextAttemptAt = %v, want %v", got, now.Add(4*time.Second))
	}
}
