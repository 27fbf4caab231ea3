package backoff

import (
	"testing"
	"time"
)

func TestDelayGrows(t *testing.T) {
	b := NewExponential()

	first := b.Delay()
	second := b.Delay()

	if second <= first/2 {
		t.Errorf("Expected the second delay to roughly double, got %v then %v", first, second)
	}
}

func TestDelayCapped(t *testing.T) {
	b := &Exponential{BaseDelay: time.Second, MaxDelay: 4 * time.Second, MaxAttempts: 0}

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = b.Delay()
	}

	// Cap plus a quarter of jitter headroom.
	if last > 5*time.Second {
		t.Errorf("Expected delay to be capped near %v, but got %v", b.MaxDelay, last)
	}
}

func TestIsEmptyAfterBudget(t *testing.T) {
	b := &Exponential{BaseDelay: time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3}

	if b.IsEmpty() {
		t.Errorf("Expected a fresh generator to not be empty")
	}

	for i := 0; i < 3; i++ {
		b.Delay()
	}

	if !b.IsEmpty() {
		t.Errorf("Expected the generator to be empty after %d attempts", b.MaxAttempts)
	}
}

func TestResetRestoresBudget(t *testing.T) {
	b := &Exponential{BaseDelay: time.Millisecond, MaxDelay: time.Second, MaxAttempts: 1}

	b.Delay()

	if !b.IsEmpty() {
		t.Errorf("Expected the generator to be empty")
	}

	b.Reset()

	if b.IsEmpty() {
		t.Errorf("Expected Reset to restore the retry budget")
	}
}
