package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/tandem/internal/storage"
	"pkt.systems/tandem/internal/storage/memory"
	"pkt.systems/tandem/internal/storage/retry"
)

type fakeClock struct {
	waits []time.Duration
}

func (f *fakeClock) Now() time.Time { return time.Unix(0, 0).UTC() }

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.waits = append(f.waits, d)
	ch := make(chan time.Time, 1)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) { f.waits = append(f.waits, d) }

type flakyBackend struct {
	*memory.Store
	acquireErrs  []error
	acquireCalls int
	creditCalls  int
}

func (f *flakyBackend) AcquireDeliveryLock(ctx context.Context, taskID, holder string, ttl time.Duration) (bool, error) {
	f.acquireCalls++
	if idx := f.acquireCalls - 1; idx < len(f.acquireErrs) && f.acquireErrs[idx] != nil {
		return false, f.acquireErrs[idx]
	}
	return f.Store.AcquireDeliveryLock(ctx, taskID, holder, ttl)
}

func (f *flakyBackend) Credit(ctx context.Context, userID, amount int64) error {
	f.creditCalls++
	return storage.NewTransientError(errors.New("commit lost"))
}

func TestRetryTransientWithBackoff(t *testing.T) {
	transient := storage.NewTransientError(errors.New("database is locked"))
	inner := &flakyBackend{Store: memory.New(), acquireErrs: []error{transient, transient}}
	clk := &fakeClock{}
	b := retry.Wrap(inner, nil, clk, retry.Config{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 15 * time.Millisecond, Multiplier: 2})

	ok, err := b.AcquireDeliveryLock(context.Background(), "task", "me", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if inner.acquireCalls != 3 {
		t.Fatalf("expected 3 calls, got %d", inner.acquireCalls)
	}
	want := []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}
	if len(clk.waits) != len(want) {
		t.Fatalf("unexpected waits %v", clk.waits)
	}
	for i := range want {
		if clk.waits[i] != want[i] {
			t.Fatalf("wait[%d] = %v, want %v", i, clk.waits[i], want[i])
		}
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("syntax error")
	inner := &flakyBackend{Store: memory.New(), acquireErrs: []error{permanent}}
	b := retry.Wrap(inner, nil, &fakeClock{}, retry.Config{MaxAttempts: 5})
	if _, err := b.AcquireDeliveryLock(context.Background(), "task", "me", time.Minute); !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if inner.acquireCalls != 1 {
		t.Fatalf("expected a single call, got %d", inner.acquireCalls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	transient := storage.NewTransientError(errors.New("connection refused"))
	inner := &flakyBackend{Store: memory.New(), acquireErrs: []error{transient, transient, transient}}
	b := retry.Wrap(inner, nil, &fakeClock{}, retry.Config{MaxAttempts: 2})
	if _, err := b.AcquireDeliveryLock(context.Background(), "task", "me", time.Minute); !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if inner.acquireCalls != 2 {
		t.Fatalf("expected 2 calls, got %d", inner.acquireCalls)
	}
}

func TestCreditIsNeverRetried(t *testing.T) {
	inner := &flakyBackend{Store: memory.New()}
	b := retry.Wrap(inner, nil, &fakeClock{}, retry.Config{MaxAttempts: 5})
	if err := b.Credit(context.Background(), 1, 10); err == nil {
		t.Fatal("expected error")
	}
	if inner.creditCalls != 1 {
		t.Fatalf("credit retried %d times", inner.creditCalls)
	}
}

func TestRetryHonoursCancelledContext(t *testing.T) {
	transient := storage.NewTransientError(errors.New("busy"))
	inner := &flakyBackend{Store: memory.New(), acquireErrs: []error{transient, transient}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := retry.Wrap(inner, nil, blockingClock{}, retry.Config{MaxAttempts: 3})
	if _, err := b.AcquireDeliveryLock(ctx, "task", "me", time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type blockingClock struct{}

func (blockingClock) Now() time.Time                       { return time.Unix(0, 0) }
func (blockingClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }
func (blockingClock) Sleep(time.Duration)                  {}
