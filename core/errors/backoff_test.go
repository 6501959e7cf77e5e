package errors

import (
	"testing"
	"time"
)

func TestCalculateDelayGrowth(t *testing.T) {
	policy := &RetryPolicy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}

	d0 := CalculateDelay(0, policy)
	d1 := CalculateDelay(1, policy)
	d2 := CalculateDelay(2, policy)

	if d0 != 100*time.Millisecond {
		t.Errorf("attempt 0 delay = %v, want 100ms", d0)
	}
	if d1 != 200*time.Millisecond {
		t.Errorf("attempt 1 delay = %v, want 200ms", d1)
	}
	if d2 != 400*time.Millisecond {
		t.Errorf("attempt 2 delay = %v, want 400ms", d2)
	}
}

func TestCalculateDelayCapped(t *testing.T) {
	policy := &RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     3 * time.Second,
		Multiplier:   10.0,
	}

	if d := CalculateDelay(5, policy); d != 3*time.Second {
		t.Errorf("delay = %v, want capped at 3s", d)
	}
}

func TestCalculateDelayNilPolicy(t *testing.T) {
	if d := CalculateDelay(3, nil); d != 0 {
		t.Errorf("nil policy delay = %v, want 0", d)
	}
}

func TestAddJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond

	for i := 0; i < 50; i++ {
		jittered := AddJitter(base, 0.1)
		if jittered < 90*time.Millisecond || jittered > 110*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±10%% of %v", jittered, base)
		}
	}
}

func TestAddJitterZeroPercent(t *testing.T) {
	base := 250 * time.Millisecond
	if got := AddJitter(base, 0); got != base {
		t.Errorf("zero jitter should return base delay, got %v", got)
	}
}

func TestAddJitterFloorsAtMillisecond(t *testing.T) {
	if got := AddJitter(time.Microsecond, 0.5); got < time.Millisecond {
		t.Errorf("jittered delay %v below 1ms floor", got)
	}
}
