package worker

import (
	"testing"
	"time"
)

func TestBackoffWithJitter(t *testing.T) {
	base := 2 * time.Second
	max := time.Minute

	if got := backoffWithJitter(base, max, 0); got != base {
		t.Fatalf("attempt 0 should return base, got %v", got)
	}

	// Each attempt doubles the window; the result always lands in [wait/2, wait).
	for attempt := 1; attempt <= 10; attempt++ {
		wait := base << (attempt - 1)
		if wait > max {
			wait = max
		}
		for i := 0; i < 50; i++ {
			got := backoffWithJitter(base, max, attempt)
			if got < wait/2 || got >= wait {
				t.Fatalf("attempt %d: %v outside [%v, %v)", attempt, got, wait/2, wait)
			}
		}
	}
}

func TestBackoffWithJitterCapsAtMax(t *testing.T) {
	got := backoffWithJitter(time.Second, 4*time.Second, 30)
	if got >= 4*time.Second {
		t.Fatalf("expected delay below cap, got %v", got)
	}
}
