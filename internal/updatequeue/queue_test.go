package updatequeue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/tandem/internal/activestate"
	"pkt.systems/tandem/internal/botapi"
	"pkt.systems/tandem/internal/clock"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func update(id int64) botapi.Update {
	return botapi.Update{UpdateID: id, Message: &botapi.Message{MessageID: id, Chat: botapi.Chat{ID: 1}}}
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

func TestEnqueueAtCapacityReturnsFalse(t *testing.T) {
	state := activestate.New(nil)
	var calls atomic.Int32
	m := newManager(t, Config{
		Capacity: 2,
		Workers:  1,
		Gate:     state,
		Dispatcher: DispatcherFunc(func(context.Context, Item, botapi.Sender) error {
			calls.Add(1)
			return nil
		}),
	})
	for id := int64(1); id <= 2; id++ {
		if !m.Enqueue(id, update(id)) {
			t.Fatalf("enqueue %d rejected below capacity", id)
		}
	}
	before := m.Metrics()
	if m.Enqueue(3, update(3)) {
		t.Fatal("enqueue at capacity must return false")
	}
	after := m.Metrics()
	if after.Received != before.Received+1 {
		t.Fatalf("received %d -> %d, want +1", before.Received, after.Received)
	}
	if after.Processed != before.Processed {
		t.Fatalf("processed changed %d -> %d", before.Processed, after.Processed)
	}
	if after.Dropped != 1 || after.Depth != 2 || after.DropRate <= 0 {
		t.Fatalf("unexpected metrics %+v", after)
	}
	if calls.Load() != 0 {
		t.Fatal("dispatcher must not run before Start")
	}
}

func TestPassiveWorkersNeverDispatch(t *testing.T) {
	state := activestate.New(nil)
	var calls atomic.Int32
	m := newManager(t, Config{
		Capacity: 16,
		Workers:  3,
		Gate:     state,
		Dispatcher: DispatcherFunc(func(context.Context, Item, botapi.Sender) error {
			calls.Add(1)
			return nil
		}),
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for id := int64(1); id <= 10; id++ {
		if !m.Enqueue(id, update(id)) {
			t.Fatalf("enqueue %d rejected", id)
		}
	}
	waitFor(t, "passive drain", func() bool { return m.Metrics().Discarded == 10 })
	if got := calls.Load(); got != 0 {
		t.Fatalf("dispatcher invoked %d times while passive", got)
	}
	if m.Metrics().Processed != 0 {
		t.Fatal("processed must stay zero while passive")
	}
}

func TestActivationDrainsInFIFOOrder(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	state := activestate.New(clk)
	var mu sync.Mutex
	var order []int64
	m := newManager(t, Config{
		Capacity:    16,
		Workers:     1,
		PassiveHold: time.Second,
		Gate:        state,
		Clock:       clk,
		Dispatcher: DispatcherFunc(func(_ context.Context, item Item, _ botapi.Sender) error {
			mu.Lock()
			order = append(order, item.ID)
			mu.Unlock()
			return nil
		}),
	})
	for id := int64(1); id <= 5; id++ {
		m.Enqueue(id, update(id))
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !clk.WaitForWaiters(1, 2*time.Second) {
		t.Fatal("worker did not hold the first item")
	}
	mu.Lock()
	if len(order) != 0 {
		t.Fatalf("dispatched while passive: %v", order)
	}
	mu.Unlock()

	state.Set(true, "lock acquired")
	waitFor(t, "drain after activation", func() bool { return m.Metrics().Processed == 5 })
	mu.Lock()
	defer mu.Unlock()
	for i, id := range order {
		if id != int64(i+1) {
			t.Fatalf("out of order dispatch: %v", order)
		}
	}
	if m.Metrics().Discarded != 0 {
		t.Fatal("nothing should be discarded when activation arrives within the hold")
	}
}

func TestDispatchPanicDoesNotKillWorker(t *testing.T) {
	state := activestate.New(nil)
	state.Set(true, "test")
	var ok atomic.Int32
	m := newManager(t, Config{
		Capacity: 8,
		Workers:  1,
		Gate:     state,
		Dispatcher: DispatcherFunc(func(_ context.Context, item Item, _ botapi.Sender) error {
			switch item.ID {
			case 1:
				panic("handler bug")
			case 2:
				return errors.New("handler failed")
			}
			ok.Add(1)
			return nil
		}),
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for id := int64(1); id <= 3; id++ {
		m.Enqueue(id, update(id))
	}
	waitFor(t, "all items processed", func() bool { return m.Metrics().Processed == 3 })
	if got := m.Metrics().Errors; got != 2 {
		t.Fatalf("errors = %d, want 2", got)
	}
	if ok.Load() != 1 {
		t.Fatal("worker did not survive the panic")
	}
}

func TestDispatchTimeoutBindsUncooperativeHandler(t *testing.T) {
	state := activestate.New(nil)
	state.Set(true, "test")
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	m := newManager(t, Config{
		Capacity:        4,
		Workers:         1,
		DispatchTimeout: 20 * time.Millisecond,
		Gate:            state,
		Dispatcher: DispatcherFunc(func(context.Context, Item, botapi.Sender) error {
			<-release
			return nil
		}),
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.Enqueue(1, update(1))
	waitFor(t, "timeout", func() bool { return m.Metrics().Errors == 1 })
}

func TestStopIsBoundedAndRejectsNewItems(t *testing.T) {
	state := activestate.New(nil)
	state.Set(true, "test")
	started := make(chan struct{}, 1)
	m, err := New(Config{
		Capacity:    4,
		Workers:     1,
		StopTimeout: 50 * time.Millisecond,
		Gate:        state,
		Dispatcher: DispatcherFunc(func(ctx context.Context, _ Item, _ botapi.Sender) error {
			started <- struct{}{}
			<-ctx.Done()
			return ctx.Err()
		}),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	m.Enqueue(1, update(1))
	<-started
	begin := time.Now()
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 2*time.Second {
		t.Fatalf("stop took %v", elapsed)
	}
	if m.Enqueue(2, update(2)) {
		t.Fatal("enqueue after stop must be rejected")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{Gate: activestate.New(nil)}); err == nil {
		t.Fatal("expected dispatcher error")
	}
	if _, err := New(Config{Dispatcher: DispatcherFunc(func(context.Context, Item, botapi.Sender) error { return nil })}); err == nil {
		t.Fatal("expected gate error")
	}
}
