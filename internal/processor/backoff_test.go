package processor

import (
	"testing"
	"time"
)

// The k-th retry delay must equal min(base×2^(k−1), max) and be
// non-decreasing in k.
func TestBackoffDelay(t *testing.T) {
	p := New(Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second}, nil, nil, nil, nil, nil, Hooks{})

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped
		{7, 30 * time.Second},
		{0, time.Second}, // degenerate input treated as first attempt
	}
	for _, tc := range cases {
		if got := p.backoffDelay(tc.attempts); got != tc.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}

	prev := time.Duration(0)
	for k := 1; k <= 10; k++ {
		d := p.backoffDelay(k)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", k, d, prev)
		}
		prev = d
	}
}

// Overflow guard: a large base with many attempts must not wrap negative.
func TestBackoffDelayCapsAtMax(t *testing.T) {
	p := New(Config{BaseDelay: time.Hour, MaxDelay: 2 * time.Hour}, nil, nil, nil, nil, nil, Hooks{})
	if got := p.backoffDelay(40); got != 2*time.Hour {
		t.Fatalf("backoffDelay(40) = %s, want cap", got)
	}
}
