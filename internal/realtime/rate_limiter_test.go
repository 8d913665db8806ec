package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		if !rl.Allow(t0.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(t0.Add(500 * time.Millisecond)) {
		t.Fatal("fourth event inside the window should be refused")
	}
	if !rl.Allow(t0.Add(time.Second)) {
		t.Fatal("event after the oldest left the window should be allowed")
	}
	if rl.Allow(t0.Add(time.Second + 50*time.Millisecond)) {
		t.Fatal("window still holds three events")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults: ring=%d window=%v", len(rl.ring), rl.window)
	}
}
