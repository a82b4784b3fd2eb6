package ingress

import (
	"testing"
	"time"

	"pkt.systems/tandem/internal/clock"
)

func TestRateLimiterEvictsLeastRecentlyActive(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	r := NewRateLimiter(1, time.Minute, 2, clk)
	r.Allow("a")
	clk.Advance(time.Millisecond)
	r.Allow("b")
	clk.Advance(time.Millisecond)
	if r.Allow("a") {
		t.Fatal("a is over budget")
	}
	r.Allow("c")
	if r.Len() != 2 {
		t.Fatalf("tracked %d sources, want 2", r.Len())
	}
	// b was the least recently active and must have been evicted, so it
	// starts a fresh window.
	if !r.Allow("b") {
		t.Fatal("evicted source should start a fresh window")
	}
}

func TestRateLimiterPrunesIdleSources(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	r := NewRateLimiter(5, time.Second, 100, clk)
	r.Allow("a")
	r.Allow("b")
	clk.Advance(3 * time.Second)
	r.Allow("c")
	if r.Len() != 1 {
		t.Fatalf("tracked %d sources after prune, want 1", r.Len())
	}
}

func TestDedupeWindowEvictsSmallestIDs(t *testing.T) {
	d := NewDedupeWindow(3)
	for _, id := range []int64{30, 10, 20} {
		if d.Observe(id) {
			t.Fatalf("id %d reported duplicate on first sight", id)
		}
	}
	if d.Observe(40) {
		t.Fatal("40 is new")
	}
	if d.Len() != 3 {
		t.Fatalf("len = %d", d.Len())
	}
	for _, id := range []int64{20, 30, 40} {
		if !d.Observe(id) {
			t.Fatalf("recent id %d must still be a duplicate", id)
		}
	}
	if d.Observe(10) {
		t.Fatal("smallest id should have been evicted")
	}
}
