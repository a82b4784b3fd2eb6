// Package storagetest holds the behavioural contract every storage.Backend
// must satisfy. Backend packages run it from their own tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/tandem/internal/clock"
	"pkt.systems/tandem/internal/storage"
)

// Factory builds a fresh, migrated backend whose notion of time follows clk.
type Factory func(t *testing.T, clk clock.Clock) storage.Backend

// Run executes the contract against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(*testing.T, Factory)
	}{
		{"DeliveryLockSingleWinner", testDeliveryLockSingleWinner},
		{"DeliveryLockExpiryTakeover", testDeliveryLockExpiryTakeover},
		{"DeliveredLockNeverReacquired", testDeliveredLockNeverReacquired},
		{"DeliveryFailureAndPurge", testDeliveryFailureAndPurge},
		{"JobTransitions", testJobTransitions},
		{"LedgerSettlement", testLedgerSettlement},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newBackend)
		})
	}
}

func start() *clock.Manual {
	return clock.NewManual(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
}

func testDeliveryLockSingleWinner(t *testing.T, newBackend Factory) {
	clk := start()
	store := newBackend(t, clk)
	ctx := context.Background()

	const contenders = 12
	var wins atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.AcquireDeliveryLock(ctx, "task-race", holderName(i), 5*time.Minute)
			if err != nil {
				errs <- err
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("acquire: %v", err)
	}
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}
}

func testDeliveryLockExpiryTakeover(t *testing.T, newBackend Factory) {
	clk := start()
	store := newBackend(t, clk)
	ctx := context.Background()

	if ok, err := store.AcquireDeliveryLock(ctx, "task-ttl", "a", time.Minute); err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ok, err := store.AcquireDeliveryLock(ctx, "task-ttl", "a", time.Minute); err != nil || !ok {
		t.Fatalf("holder reacquire: ok=%v err=%v", ok, err)
	}
	if ok, err := store.AcquireDeliveryLock(ctx, "task-ttl", "b", time.Minute); err != nil || ok {
		t.Fatalf("competitor before expiry: ok=%v err=%v", ok, err)
	}
	clk.Advance(time.Minute + time.Second)
	if ok, err := store.AcquireDeliveryLock(ctx, "task-ttl", "b", time.Minute); err != nil || !ok {
		t.Fatalf("competitor after expiry: ok=%v err=%v", ok, err)
	}
	lock, err := store.DeliveryLock(ctx, "task-ttl")
	if err != nil {
		t.Fatalf("load lock: %v", err)
	}
	if lock.Holder != "b" || lock.Attempts != 3 {
		t.Fatalf("unexpected lock after takeover: %+v", lock)
	}
	if err := store.MarkDelivered(ctx, "task-ttl", "a"); !errors.Is(err, storage.ErrNotHolder) {
		t.Fatalf("stale holder mark delivered: expected ErrNotHolder, got %v", err)
	}
}

func testDeliveredLockNeverReacquired(t *testing.T, newBackend Factory) {
	clk := start()
	store := newBackend(t, clk)
	ctx := context.Background()

	if ok, err := store.AcquireDeliveryLock(ctx, "task-done", "a", time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := store.MarkDelivered(ctx, "task-done", "a"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := store.MarkDelivered(ctx, "task-done", "a"); err != nil {
		t.Fatalf("mark delivered twice: %v", err)
	}
	clk.Advance(time.Hour)
	for _, holder := range []string{"a", "b"} {
		if ok, err := store.AcquireDeliveryLock(ctx, "task-done", holder, time.Minute); err != nil || ok {
			t.Fatalf("delivered task reacquired by %s: ok=%v err=%v", holder, ok, err)
		}
	}
	if err := store.MarkSettled(ctx, "task-done"); err != nil {
		t.Fatalf("mark settled: %v", err)
	}
	lock, err := store.DeliveryLock(ctx, "task-done")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !lock.Delivered || !lock.Settled || lock.DeliveredAt.IsZero() {
		t.Fatalf("unexpected lock %+v", lock)
	}
}

func testDeliveryFailureAndPurge(t *testing.T, newBackend Factory) {
	clk := start()
	store := newBackend(t, clk)
	ctx := context.Background()

	if _, err := store.DeliveryLock(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.AcquireDeliveryLock(ctx, "task-fail", "a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := store.RecordDeliveryFailure(ctx, "task-fail", "a", "upload rejected"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	lock, err := store.DeliveryLock(ctx, "task-fail")
	if err != nil || lock.LastError != "upload rejected" || lock.Delivered {
		t.Fatalf("unexpected lock %+v err=%v", lock, err)
	}

	if _, err := store.AcquireDeliveryLock(ctx, "task-old", "a", time.Minute); err != nil {
		t.Fatalf("acquire old: %v", err)
	}
	if err := store.MarkDelivered(ctx, "task-old", "a"); err != nil {
		t.Fatalf("deliver old: %v", err)
	}
	clk.Advance(48 * time.Hour)
	purged, err := store.PurgeDeliveryLocks(ctx, clk.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged record, got %d", purged)
	}
	if _, err := store.DeliveryLock(ctx, "task-fail"); err != nil {
		t.Fatalf("undelivered lock must survive purge: %v", err)
	}
}

func testJobTransitions(t *testing.T, newBackend Factory) {
	clk := start()
	store := newBackend(t, clk)
	ctx := context.Background()

	job := storage.JobRecord{TaskID: "job-1", UserID: 7, ChatID: 70, Cost: 5, Prompt: "a lighthouse"}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateJob(ctx, job); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("duplicate create: expected ErrExists, got %v", err)
	}
	got, err := store.Job(ctx, "job-1")
	if err != nil || got.Status != storage.JobPending || got.ChatID != 70 {
		t.Fatalf("unexpected job %+v err=%v", got, err)
	}
	if _, err := store.TransitionJob(ctx, "job-1", storage.JobDone, ""); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("pending->done: expected ErrInvalidTransition, got %v", err)
	}
	if got, err = store.TransitionJob(ctx, "job-1", storage.JobRunning, "submitted"); err != nil || got.Status != storage.JobRunning {
		t.Fatalf("pending->running: %+v err=%v", got, err)
	}
	if got, err = store.TransitionJob(ctx, "job-1", storage.JobRunning, ""); err != nil || got.Status != storage.JobRunning {
		t.Fatalf("running->running must be a no-op: %+v err=%v", got, err)
	}
	if got, err = store.TransitionJob(ctx, "job-1", storage.JobDone, "delivered"); err != nil || got.Status != storage.JobDone {
		t.Fatalf("running->done: %+v err=%v", got, err)
	}
	if _, err := store.TransitionJob(ctx, "job-1", storage.JobFailed, ""); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("done->failed: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := store.TransitionJob(ctx, "nope", storage.JobRunning, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing job: expected ErrNotFound, got %v", err)
	}
}

func testLedgerSettlement(t *testing.T, newBackend Factory) {
	clk := start()
	store := newBackend(t, clk)
	ctx := context.Background()

	balance := func(want int64) {
		t.Helper()
		got, err := store.Balance(ctx, 1)
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		if got != want {
			t.Fatalf("balance = %d, want %d", got, want)
		}
	}
	if err := store.Credit(ctx, 1, 10); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := store.Hold(ctx, 1, "t1", 4); err != nil {
		t.Fatalf("hold: %v", err)
	}
	if err := store.Hold(ctx, 1, "t1", 4); err != nil {
		t.Fatalf("repeated hold: %v", err)
	}
	balance(6)
	if err := store.Hold(ctx, 1, "t2", 100); !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := store.Charge(ctx, "t1"); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := store.Charge(ctx, "t1"); err != nil {
		t.Fatalf("repeated charge: %v", err)
	}
	if err := store.ReleaseHold(ctx, "t1"); err != nil {
		t.Fatalf("release after charge: %v", err)
	}
	balance(6)

	if err := store.Hold(ctx, 1, "t3", 2); err != nil {
		t.Fatalf("hold t3: %v", err)
	}
	if err := store.ReleaseHold(ctx, "t3"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.ReleaseHold(ctx, "t3"); err != nil {
		t.Fatalf("repeated release: %v", err)
	}
	balance(6)
	if state, err := store.HoldState(ctx, "t3"); err != nil || state != storage.HoldReleased {
		t.Fatalf("hold state = %q err=%v", state, err)
	}
	if err := store.Charge(ctx, "t3"); err != nil {
		t.Fatalf("charge released hold: %v", err)
	}
	balance(4)
	if err := store.Charge(ctx, "unknown"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("charge unknown: expected ErrNotFound, got %v", err)
	}
}

func holderName(i int) string {
	return "holder-" + string(rune('a'+i))
}
