package server

import (
	"testing"
	"time"
)

func TestRateLimiterBurstAndRefill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter(3, time.Second)
	rl.now = func() time.Time { return now }
	rl.lastCheck = now

	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("frame %d within the burst was refused", i)
		}
	}
	if rl.allow() {
		t.Fatal("frame beyond the burst was allowed")
	}

	now = now.Add(400 * time.Millisecond)
	if !rl.allow() {
		t.Fatal("expected a token after 400ms")
	}
	if rl.allow() {
		t.Fatal("expected the bucket to be empty again")
	}

	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		if !rl.allow() {
			t.Fatalf("refill must cap at the burst, frame %d refused", i)
		}
	}
	if rl.allow() {
		t.Fatal("refill exceeded the burst")
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := newRateLimiter(0, 0)
	if rl.capacity != 1 || rl.rate != 1 {
		t.Fatalf("capacity=%v rate=%v, want 1 and 1", rl.capacity, rl.rate)
	}
}
