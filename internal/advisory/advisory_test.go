package advisory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/tandem/internal/clock"
)

func TestKeyIsStableAndScoped(t *testing.T) {
	if Key("prod-bot") != Key("prod-bot") {
		t.Fatal("key must be deterministic")
	}
	if Key("prod-bot") == Key("staging-bot") {
		t.Fatal("different identities must not collide")
	}
}

func TestPolicyResolve(t *testing.T) {
	boom := errors.New("dial tcp: refused")
	if ok, err := Lenient.Resolve(false, boom); ok || err != nil {
		t.Fatalf("lenient: ok=%v err=%v", ok, err)
	}
	if ok, err := Strict.Resolve(false, boom); ok || !errors.Is(err, boom) {
		t.Fatalf("strict: ok=%v err=%v", ok, err)
	}
	if ok, err := Strict.Resolve(true, nil); !ok || err != nil {
		t.Fatalf("strict success: ok=%v err=%v", ok, err)
	}
	if PolicyFor(true) != Strict || PolicyFor(false) != Lenient {
		t.Fatal("PolicyFor mapping wrong")
	}
}

func TestMemoryConcurrentAcquireSingleWinner(t *testing.T) {
	reg := NewRegistry(nil, 0)
	const contenders = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	lockers := make([]*Memory, contenders)
	for i := range lockers {
		lockers[i] = reg.Locker("deploy", fmt.Sprintf("instance-%d", i))
	}
	for _, l := range lockers {
		wg.Add(1)
		go func(l *Memory) {
			defer wg.Done()
			ok, err := l.Acquire(context.Background(), 0)
			if err != nil {
				t.Errorf("acquire: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}(l)
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winner, got %d", got)
	}

	var winner *Memory
	for _, l := range lockers {
		if info, _ := l.DebugInfo(context.Background()); info.HeldBySelf {
			winner = l
		}
	}
	if winner == nil {
		t.Fatal("no locker reports holding the lock")
	}
	if ok, _ := winner.Acquire(context.Background(), 0); !ok {
		t.Fatal("acquire must be idempotent for the holder")
	}
	if err := winner.Release(context.Background()); err != nil {
		t.Fatalf("release: %v", err)
	}

	wins.Store(0)
	for _, l := range lockers {
		wg.Add(1)
		go func(l *Memory) {
			defer wg.Done()
			if ok, _ := l.Acquire(context.Background(), 0); ok {
				wins.Add(1)
			}
		}(l)
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("after release expected exactly one winner, got %d", got)
	}
}

func TestMemoryReleaseWhenNotHeldIsNoop(t *testing.T) {
	reg := NewRegistry(nil, 0)
	a := reg.Locker("deploy", "a")
	b := reg.Locker("deploy", "b")
	if ok, _ := a.Acquire(context.Background(), 0); !ok {
		t.Fatal("a should acquire")
	}
	if err := b.Release(context.Background()); err != nil {
		t.Fatalf("release by non-holder: %v", err)
	}
	if err := a.Refresh(context.Background()); err != nil {
		t.Fatalf("a lost the lock after b's release: %v", err)
	}
	if err := b.Refresh(context.Background()); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost for non-holder, got %v", err)
	}
}

func TestMemoryAcquireWaitsUntilTimeout(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	reg := NewRegistry(clk, 0)
	a := reg.Locker("deploy", "a")
	b := reg.Locker("deploy", "b")
	if ok, _ := a.Acquire(context.Background(), 0); !ok {
		t.Fatal("a should acquire")
	}
	result := make(chan bool, 1)
	go func() {
		ok, _ := b.Acquire(context.Background(), 250*time.Millisecond)
		result <- ok
	}()
	if !clk.WaitForWaiters(1, time.Second) {
		t.Fatal("b did not wait")
	}
	_ = a.Release(context.Background())
	clk.Advance(100 * time.Millisecond)
	select {
	case ok := <-result:
		if !ok {
			t.Fatal("b should win after release within timeout")
		}
	case <-time.After(time.Second):
		t.Fatal("b never returned")
	}
}

func TestMemoryStaleTakeoverIsRecorded(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := NewRegistry(clk, 3*time.Second)
	a := reg.Locker("deploy", "a")
	b := reg.Locker("deploy", "b")
	if ok, _ := a.Acquire(context.Background(), 0); !ok {
		t.Fatal("a should acquire")
	}
	clk.Advance(2 * time.Second)
	if ok, _ := b.Acquire(context.Background(), 0); ok {
		t.Fatal("b must not take a fresh lock")
	}
	clk.Advance(2 * time.Second)
	if ok, _ := b.Acquire(context.Background(), 0); !ok {
		t.Fatal("b should take over a stale lock")
	}
	info, err := b.DebugInfo(context.Background())
	if err != nil {
		t.Fatalf("debug info: %v", err)
	}
	if info.Holder != "b" || info.LastTakeover == nil || info.LastTakeover.PreviousHolder != "a" || info.LastTakeover.StaleFor != 4*time.Second {
		t.Fatalf("unexpected state %+v takeover=%+v", info, info.LastTakeover)
	}
	if err := a.Refresh(context.Background()); !errors.Is(err, ErrLockLost) {
		t.Fatalf("old holder should observe loss, got %v", err)
	}
}

func TestMemoryUnavailable(t *testing.T) {
	reg := NewRegistry(nil, 0)
	a := reg.Locker("deploy", "a")
	reg.SetUnavailable(errors.New("connection refused"))
	if _, err := a.Acquire(context.Background(), 0); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	reg.SetUnavailable(nil)
	if ok, err := a.Acquire(context.Background(), 0); !ok || err != nil {
		t.Fatalf("recovered acquire: ok=%v err=%v", ok, err)
	}
}
