package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/tandem/internal/botapi"
	"pkt.systems/tandem/internal/clock"
	"pkt.systems/tandem/internal/storage"
	"pkt.systems/tandem/internal/storage/memory"
)

type fakeSender struct {
	mu         sync.Mutex
	failRef    bool
	failUpload bool
	failText   bool
	failLinks  bool
	failURL    string
	messages   []string
	documents  []string
	uploads    []string
	downloads  int
	sendsTotal atomic.Int32
}

func (f *fakeSender) SendMessage(_ context.Context, _ int64, text string) (*botapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failText || (f.failLinks && strings.Contains(text, "://")) || f.rejects(text) {
		return nil, errors.New("text rejected")
	}
	f.sendsTotal.Add(1)
	f.messages = append(f.messages, text)
	return &botapi.Message{}, nil
}

func (f *fakeSender) SendDocument(_ context.Context, _ int64, ref, _ string) (*botapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRef || f.rejects(ref) {
		return nil, errors.New("wrong file identifier/HTTP URL specified")
	}
	f.sendsTotal.Add(1)
	f.documents = append(f.documents, ref)
	return &botapi.Message{}, nil
}

func (f *fakeSender) UploadDocument(_ context.Context, _ int64, filename string, _ []byte, _ string) (*botapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpload {
		return nil, errors.New("upload rejected")
	}
	f.sendsTotal.Add(1)
	f.uploads = append(f.uploads, filename)
	return &botapi.Message{}, nil
}

func (f *fakeSender) Download(_ context.Context, url string, _ int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if f.rejects(url) {
		return nil, errors.New("download: 404")
	}
	return []byte("bytes"), nil
}

// rejects reports whether s mentions the URL configured to fail every
// fallback. Callers hold f.mu.
func (f *fakeSender) rejects(s string) bool {
	return f.failURL != "" && strings.Contains(s, f.failURL)
}

type fixture struct {
	clk    *clock.Manual
	store  *memory.Store
	sender *fakeSender
	coord  *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewWithClock(clk)
	sender := &fakeSender{}
	coord, err := New(Config{Locks: store, Ledger: store, Sender: sender, Instance: "test", Clock: clk})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	ctx := context.Background()
	if err := store.Credit(ctx, 1, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := store.Hold(ctx, 1, "task-1", 30); err != nil {
		t.Fatalf("hold: %v", err)
	}
	return &fixture{clk: clk, store: store, sender: sender, coord: coord}
}

var target = Target{ChatID: 77, UserID: 1}

func TestDeliverOnceSecondCallIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := Payload{URLs: []string{"https://cdn.example/a.png"}}

	first := f.coord.DeliverOnce(ctx, "task-1", target, payload, time.Minute)
	if !first.Delivered || !first.LockAcquired || first.Err != nil || first.Method != MethodReference {
		t.Fatalf("unexpected first result %+v", first)
	}
	sends := f.sender.sendsTotal.Load()

	second := f.coord.DeliverOnce(ctx, "task-1", target, payload, time.Minute)
	if second.Delivered || !second.AlreadyDelivered || second.LockAcquired {
		t.Fatalf("unexpected second result %+v", second)
	}
	if f.sender.sendsTotal.Load() != sends {
		t.Fatal("second call must not send")
	}
	if bal, _ := f.store.Balance(ctx, 1); bal != 70 {
		t.Fatalf("balance = %d, want 70", bal)
	}
	if st, _ := f.store.HoldState(ctx, "task-1"); st != storage.HoldCharged {
		t.Fatalf("hold state = %s", st)
	}
	if st, _ := f.coord.State(ctx, "task-1"); st != TaskTerminal {
		t.Fatalf("task state = %s", st)
	}
}

func TestDeliverOnceConcurrentAttemptsSendOnce(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	var delivered atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.coord.DeliverOnce(context.Background(), "task-1", target, Payload{Text: "done"}, time.Minute)
			if res.Delivered {
				delivered.Add(1)
			}
		}()
	}
	wg.Wait()
	if delivered.Load() != 1 || f.sender.sendsTotal.Load() != 1 {
		t.Fatalf("delivered=%d sends=%d", delivered.Load(), f.sender.sendsTotal.Load())
	}
}

func TestDeliverOnceRetriesAfterTTLExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender.failRef, f.sender.failUpload, f.sender.failText = true, true, true

	first := f.coord.DeliverOnce(ctx, "task-1", target, Payload{URLs: []string{"https://cdn.example/a.png"}}, time.Minute)
	if first.Delivered || !first.LockAcquired || first.Err == nil {
		t.Fatalf("unexpected failed result %+v", first)
	}
	if st, _ := f.coord.State(ctx, "task-1"); st != TaskFailed {
		t.Fatalf("state after failure = %s", st)
	}
	if bal, _ := f.store.Balance(ctx, 1); bal != 100 {
		t.Fatalf("hold not released, balance = %d", bal)
	}

	f.sender.failRef, f.sender.failUpload, f.sender.failText = false, false, false
	early := f.coord.DeliverOnce(ctx, "task-1", target, Payload{URLs: []string{"https://cdn.example/a.png"}}, time.Minute)
	if !early.AlreadyDelivered || f.sender.sendsTotal.Load() != 0 {
		t.Fatalf("retry inside TTL must not send: %+v", early)
	}

	f.clk.Advance(time.Minute)
	retry := f.coord.DeliverOnce(ctx, "task-1", target, Payload{URLs: []string{"https://cdn.example/a.png"}}, time.Minute)
	if !retry.Delivered || !retry.LockAcquired || retry.Err != nil {
		t.Fatalf("unexpected retry result %+v", retry)
	}
	if bal, _ := f.store.Balance(ctx, 1); bal != 70 {
		t.Fatalf("balance after retry = %d, want 70", bal)
	}
}

func TestDeliverOnceFallbackChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender.failRef = true
	res := f.coord.DeliverOnce(ctx, "task-1", target, Payload{URLs: []string{"https://cdn.example/out/img.png?sig=1"}}, time.Minute)
	if !res.Delivered || res.Method != MethodUpload {
		t.Fatalf("expected upload fallback, got %+v", res)
	}
	if len(f.sender.uploads) != 1 || f.sender.uploads[0] != "img.png" {
		t.Fatalf("uploads = %v", f.sender.uploads)
	}

	if err := f.store.Hold(ctx, 1, "task-2", 10); err != nil {
		t.Fatalf("hold: %v", err)
	}
	f.sender.failUpload = true
	res = f.coord.DeliverOnce(ctx, "task-2", target, Payload{URLs: []string{"https://cdn.example/b.png"}, Text: "your image"}, time.Minute)
	if !res.Delivered || res.Method != MethodLink {
		t.Fatalf("expected link fallback, got %+v", res)
	}
	if last := f.sender.messages[len(f.sender.messages)-1]; last != "your image\nhttps://cdn.example/b.png" {
		t.Fatalf("link message = %q", last)
	}
}

func TestDeliverOncePartialDeliverySettlesWithoutResend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := Payload{URLs: []string{"https://cdn.example/a.png", "https://cdn.example/b.png"}}
	f.sender.failURL = "https://cdn.example/b.png"

	res := f.coord.DeliverOnce(ctx, "task-1", target, payload, time.Minute)
	if !res.Delivered || !res.LockAcquired || res.Method != MethodReference {
		t.Fatalf("unexpected partial result %+v", res)
	}
	if !errors.Is(res.Err, ErrPartialDelivery) {
		t.Fatalf("expected ErrPartialDelivery, got %v", res.Err)
	}
	if len(f.sender.documents) != 1 || f.sender.documents[0] != "https://cdn.example/a.png" {
		t.Fatalf("documents = %v", f.sender.documents)
	}
	if bal, _ := f.store.Balance(ctx, 1); bal != 70 {
		t.Fatalf("balance = %d, want 70", bal)
	}
	if st, _ := f.store.HoldState(ctx, "task-1"); st != storage.HoldCharged {
		t.Fatalf("hold state = %s", st)
	}
	if st, _ := f.coord.State(ctx, "task-1"); st != TaskTerminal {
		t.Fatalf("task state = %s", st)
	}

	f.sender.failURL = ""
	f.clk.Advance(2 * time.Minute)
	retry := f.coord.DeliverOnce(ctx, "task-1", target, payload, time.Minute)
	if retry.LockAcquired || !retry.AlreadyDelivered {
		t.Fatalf("retry after TTL must not reacquire: %+v", retry)
	}
	if len(f.sender.documents) != 1 {
		t.Fatalf("documents resent: %v", f.sender.documents)
	}
	if bal, _ := f.store.Balance(ctx, 1); bal != 70 {
		t.Fatalf("balance after retry = %d, want 70", bal)
	}
}

func TestNotifyFailureOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.coord.NotifyFailure(ctx, "task-1", target, "content policy", time.Minute)
	if !first.Delivered || first.Err != nil {
		t.Fatalf("unexpected notice result %+v", first)
	}
	second := f.coord.NotifyFailure(ctx, "task-1", target, "content policy", time.Minute)
	if !second.AlreadyDelivered || len(f.sender.messages) != 1 {
		t.Fatalf("notice repeated: %+v messages=%v", second, f.sender.messages)
	}
	if bal, _ := f.store.Balance(ctx, 1); bal != 100 {
		t.Fatalf("balance = %d, want 100 after release", bal)
	}
}

func TestStateOf(t *testing.T) {
	now := time.Unix(100, 0)
	cases := []struct {
		lock storage.DeliveryLock
		want TaskState
	}{
		{storage.DeliveryLock{ExpiresAt: now.Add(time.Second)}, TaskLockHeld},
		{storage.DeliveryLock{ExpiresAt: now.Add(-time.Second)}, TaskNone},
		{storage.DeliveryLock{ExpiresAt: now.Add(time.Second), LastError: "boom"}, TaskFailed},
		{storage.DeliveryLock{Delivered: true}, TaskDelivered},
		{storage.DeliveryLock{Delivered: true, Settled: true}, TaskTerminal},
	}
	for _, tc := range cases {
		if got := StateOf(tc.lock, now); got != tc.want {
			t.Fatalf("StateOf(%+v) = %s, want %s", tc.lock, got, tc.want)
		}
	}
}
