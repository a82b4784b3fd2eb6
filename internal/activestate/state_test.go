package activestate

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/tandem/internal/clock"
)

func TestSetRecordsReasonAndTimestamp(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	st := New(clk)
	if st.Active() {
		t.Fatal("new state must be passive")
	}
	clk.Advance(time.Second)
	if !st.Set(true, "lock_acquired") {
		t.Fatal("expected flip")
	}
	snap := st.Snapshot()
	if !snap.Active || snap.Reason != "lock_acquired" || !snap.UpdatedAt.Equal(clk.Now()) || snap.Transitions != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if st.Set(true, "heartbeat") {
		t.Fatal("same role must not count as flip")
	}
	if got := st.Snapshot(); got.Reason != "heartbeat" || got.Transitions != 1 {
		t.Fatalf("unexpected snapshot after reason update %+v", got)
	}
}

func TestWaitActiveReturnsImmediatelyWhenActive(t *testing.T) {
	st := New(nil)
	st.Set(true, "test")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := st.WaitActive(ctx); err != nil {
		t.Fatalf("WaitActive: %v", err)
	}
}

func TestWaitActiveWakesAllWaiters(t *testing.T) {
	st := New(nil)
	const waiters = 8
	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			errs <- st.WaitActive(ctx)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	st.Set(true, "lock_acquired")
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("waiter error: %v", err)
		}
	}
}

func TestWaitActiveHonoursContext(t *testing.T) {
	st := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := st.WaitActive(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestChangedClosesOnFlipOnly(t *testing.T) {
	st := New(nil)
	ch := st.Changed()
	st.Set(false, "still passive")
	select {
	case <-ch:
		t.Fatal("channel closed without flip")
	default:
	}
	st.Set(true, "active")
	select {
	case <-ch:
	default:
		t.Fatal("channel not closed on flip")
	}
}

type fakeReporter struct{}

func (fakeReporter) Diagnostics(context.Context) any { return "ok" }

func TestReporterRoundTrip(t *testing.T) {
	st := New(nil)
	if st.Reporter() != nil {
		t.Fatal("expected nil reporter")
	}
	st.SetReporter(fakeReporter{})
	if got := st.Reporter().Diagnostics(context.Background()); got != "ok" {
		t.Fatalf("unexpected diagnostics %v", got)
	}
}
