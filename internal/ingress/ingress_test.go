package ingress

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/tandem/internal/botapi"
	"pkt.systems/tandem/internal/clock"
)

type recordingQueue struct {
	mu   sync.Mutex
	ids  []int64
	full bool
}

func (q *recordingQueue) Enqueue(id int64, _ botapi.Update) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.ids = append(q.ids, id)
	return true
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

func newPipeline(t *testing.T, cfg Config) (*Pipeline, *recordingQueue) {
	t.Helper()
	q := &recordingQueue{}
	if cfg.PathSecret == "" {
		cfg.PathSecret = "s3cret"
	}
	cfg.Queue = q
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p, q
}

func body(id int) string {
	return `{"update_id":` + strconv.Itoa(id) + `,"message":{"message_id":1,"chat":{"id":7},"date":1,"text":"hi"}}`
}

func admit(t *testing.T, p *Pipeline, source, payload string) Outcome {
	t.Helper()
	out, err := p.Admit(context.Background(), source, int64(len(payload)), strings.NewReader(payload))
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	return out
}

func TestAuthorize(t *testing.T) {
	p, _ := newPipeline(t, Config{HeaderSecret: "hdr"})
	if err := p.Authorize("wrong", "hdr"); !errors.Is(err, ErrUnknownWebhook) {
		t.Fatalf("expected ErrUnknownWebhook, got %v", err)
	}
	if err := p.Authorize("s3cret", "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := p.Authorize("s3cret", "hdr"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	open, _ := newPipeline(t, Config{})
	if err := open.Authorize("s3cret", ""); err != nil {
		t.Fatalf("header secret must be optional: %v", err)
	}
}

func TestDuplicateNeverEnqueuedTwice(t *testing.T) {
	p, q := newPipeline(t, Config{RateLimit: 100})
	if got := admit(t, p, "10.0.0.1", body(5)); got != OutcomeEnqueued {
		t.Fatalf("first admit = %s", got)
	}
	for i := 0; i < 3; i++ {
		if got := admit(t, p, "10.0.0.1", body(5)); got != OutcomeDuplicate {
			t.Fatalf("retry admit = %s", got)
		}
	}
	if q.count() != 1 {
		t.Fatalf("enqueued %d times, want 1", q.count())
	}
}

func TestOversizedDeclaredLengthRejected(t *testing.T) {
	p, q := newPipeline(t, Config{MaxBody: 1 << 20})
	_, err := p.Admit(context.Background(), "10.0.0.1", 2<<20, bytes.NewReader(nil))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if q.count() != 0 {
		t.Fatal("oversized payload must not be enqueued")
	}
}

func TestOversizedStreamRejected(t *testing.T) {
	p, q := newPipeline(t, Config{MaxBody: 64})
	payload := strings.Repeat(" ", 100) + body(1)
	_, err := p.Admit(context.Background(), "10.0.0.1", -1, strings.NewReader(payload))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if q.count() != 0 {
		t.Fatal("oversized payload must not be enqueued")
	}
}

func TestMalformedIsAcknowledged(t *testing.T) {
	p, q := newPipeline(t, Config{})
	if got := admit(t, p, "10.0.0.1", `{"update_id":`); got != OutcomeMalformed {
		t.Fatalf("outcome = %s", got)
	}
	if q.count() != 0 {
		t.Fatal("malformed payload enqueued")
	}
}

func TestRateLimitedIsAcknowledged(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	p, q := newPipeline(t, Config{RateLimit: 2, RateWindow: time.Second, Clock: clk})
	admit(t, p, "10.0.0.9", body(1))
	admit(t, p, "10.0.0.9", body(2))
	if got := admit(t, p, "10.0.0.9", body(3)); got != OutcomeRateLimited {
		t.Fatalf("outcome = %s", got)
	}
	if got := admit(t, p, "10.0.0.8", body(4)); got != OutcomeEnqueued {
		t.Fatalf("other source outcome = %s", got)
	}
	clk.Advance(time.Second)
	if got := admit(t, p, "10.0.0.9", body(3)); got != OutcomeEnqueued {
		t.Fatalf("next window outcome = %s", got)
	}
	if q.count() != 4 {
		t.Fatalf("enqueued %d, want 4", q.count())
	}
}

func TestQueueFullStillAcknowledged(t *testing.T) {
	p, q := newPipeline(t, Config{})
	q.full = true
	if got := admit(t, p, "10.0.0.1", body(1)); got != OutcomeDropped {
		t.Fatalf("outcome = %s", got)
	}
}

func TestSetRateLimitsTakesEffect(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	p, _ := newPipeline(t, Config{RateLimit: 1, Clock: clk})
	admit(t, p, "a", body(1))
	if got := admit(t, p, "a", body(2)); got != OutcomeRateLimited {
		t.Fatalf("outcome = %s", got)
	}
	p.SetRateLimits(10, time.Second, 100)
	if got := admit(t, p, "a", body(2)); got != OutcomeEnqueued {
		t.Fatalf("after reload outcome = %s", got)
	}
}
