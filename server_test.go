package tandem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/tandem/api"
	"pkt.systems/tandem/internal/advisory"
	"pkt.systems/tandem/internal/botapi"
	"pkt.systems/tandem/internal/storage"
	"pkt.systems/tandem/internal/storage/memory"
	"pkt.systems/tandem/internal/updatequeue"
)

func waitFor(t *testing.T, timeout time.Duration, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type countingDispatcher struct {
	n atomic.Int64
}

func (d *countingDispatcher) Dispatch(context.Context, updatequeue.Item, botapi.Sender) error {
	d.n.Add(1)
	return nil
}

func postJSON(t *testing.T, url, body string, headers map[string]string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func getStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func updateBody(id int) string {
	return fmt.Sprintf(`{"update_id":%d,"message":{"message_id":1,"chat":{"id":7},"date":1,"text":"hi"}}`, id)
}

func TestTwoInstancesOneActive(t *testing.T) {
	registry := advisory.NewRegistry(nil, 500*time.Millisecond)
	shared := memory.New()
	bot := NewFakeBotAPI()
	t.Cleanup(bot.Close)

	var dispatchA, dispatchB countingDispatcher
	start := func(id string, d *countingDispatcher) *TestServer {
		return StartTestServer(t,
			WithTestBotAPI(bot),
			WithTestConfigFunc(func(cfg *Config) {
				cfg.InstanceID = id
				cfg.QueuePassiveHold = -1
			}),
			WithTestServerOptions(
				WithLockRegistry(registry),
				WithBackend(shared),
				WithDispatcher(d),
			),
		)
	}
	a := start("instance-a", &dispatchA)
	b := start("instance-b", &dispatchB)

	waitFor(t, 2*time.Second, "one active instance", func() bool {
		return a.Server.State().Active() != b.Server.State().Active()
	})
	active, passive := a, b
	activeDispatch, passiveDispatch := &dispatchA, &dispatchB
	if b.Server.State().Active() {
		active, passive = b, a
		activeDispatch, passiveDispatch = &dispatchB, &dispatchA
	}

	for i := 1; i <= 5; i++ {
		if status := postJSON(t, passive.URL("/webhook/test-webhook-secret"), updateBody(i), nil); status != http.StatusOK {
			t.Fatalf("passive webhook status %d", status)
		}
	}
	waitFor(t, 2*time.Second, "passive discards", func() bool {
		return passive.Server.Queue().Metrics().Discarded == 5
	})
	if got := passiveDispatch.n.Load(); got != 0 {
		t.Fatalf("passive instance dispatched %d updates", got)
	}
	if got := passive.Server.Queue().Metrics().Received; got != 5 {
		t.Fatalf("passive queue received %d, want 5", got)
	}
	if status := getStatus(t, passive.URL("/ready")); status != http.StatusServiceUnavailable {
		t.Fatalf("passive ready status %d", status)
	}

	postJSON(t, active.URL("/webhook/test-webhook-secret"), updateBody(100), nil)
	waitFor(t, 2*time.Second, "active dispatch", func() bool { return activeDispatch.n.Load() == 1 })
	if status := getStatus(t, active.URL("/ready")); status != http.StatusOK {
		t.Fatalf("active ready status %d", status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := active.Stop(ctx); err != nil {
		t.Fatalf("stop active: %v", err)
	}
	waitFor(t, 2*time.Second, "failover", func() bool { return passive.Server.State().Active() })
}

func TestActivationRegistersWebhookOnce(t *testing.T) {
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.PublicURL = "https://bot.example.com/"
		cfg.WebhookHeaderSecret = "hdr"
	}))
	waitFor(t, 2*time.Second, "activation", func() bool { return ts.Server.Webhook().Configured })

	calls := ts.BotAPI.Calls("setWebhook")
	if len(calls) != 1 {
		t.Fatalf("expected 1 setWebhook call, got %d", len(calls))
	}
	if url, _ := calls[0].Body["url"].(string); url != "https://bot.example.com/webhook/test-webhook-secret" {
		t.Fatalf("unexpected webhook url %q", url)
	}
	if secret, _ := calls[0].Body["secret_token"].(string); secret != "hdr" {
		t.Fatalf("unexpected secret token %q", secret)
	}
	if !ts.Server.SchemaReady() {
		t.Fatalf("schema not ready after activation")
	}
	if got := ts.Server.Webhook().URL; strings.Contains(got, "test-webhook-secret") {
		t.Fatalf("webhook status leaks secret: %q", got)
	}

	resp, err := http.Get(ts.URL("/"))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Role.Active || !status.Webhook.Configured || !status.SchemaReady {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.Leader == nil || status.Queue == nil {
		t.Fatalf("status missing leader or queue diagnostics")
	}
}

func TestActivationRetriesFailedWebhookRegistration(t *testing.T) {
	bot := NewFakeBotAPI()
	t.Cleanup(bot.Close)
	bot.FailMethod("setWebhook", http.StatusBadGateway)
	ts := StartTestServer(t,
		WithTestBotAPI(bot),
		WithTestConfigFunc(func(cfg *Config) { cfg.PublicURL = "https://bot.example.com" }),
	)
	waitFor(t, 2*time.Second, "repeated registration attempts", func() bool {
		return len(bot.Calls("setWebhook")) >= 2
	})
	if ts.Server.Webhook().Configured {
		t.Fatalf("webhook reported configured after failures")
	}
	if ts.Server.Webhook().LastError == "" {
		t.Fatalf("expected last error to be recorded")
	}
	if status := getStatus(t, ts.URL("/ready")); status != http.StatusServiceUnavailable {
		t.Fatalf("ready with failing webhook: %d", status)
	}
}

func TestCallbackDeliversOnceAndCharges(t *testing.T) {
	backend := memory.New()
	ts := StartTestServer(t,
		WithTestConfigFunc(func(cfg *Config) { cfg.CallbackSecret = "cb" }),
		WithTestServerOptions(WithBackend(backend)),
	)
	waitFor(t, 2*time.Second, "activation", func() bool { return ts.Server.State().Active() })

	ctx := context.Background()
	if err := backend.Credit(ctx, 42, 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := backend.CreateJob(ctx, storage.JobRecord{TaskID: "task-1", UserID: 42, ChatID: 7, Status: storage.JobPending, Cost: 30}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := backend.Hold(ctx, 42, "task-1", 30); err != nil {
		t.Fatalf("hold: %v", err)
	}

	body := `{"task_id":"task-1","state":"success","result_urls":["https://cdn.example.com/a.png"]}`
	headers := map[string]string{"X-Callback-Token": "cb"}
	for i := 0; i < 3; i++ {
		if status := postJSON(t, ts.URL("/callbacks/generation"), body, headers); status != http.StatusOK {
			t.Fatalf("callback status %d", status)
		}
	}
	waitFor(t, 2*time.Second, "job done", func() bool {
		job, err := backend.Job(ctx, "task-1")
		return err == nil && job.Status == storage.JobDone
	})
	waitFor(t, 2*time.Second, "settlement", func() bool {
		lock, err := backend.DeliveryLock(ctx, "task-1")
		return err == nil && lock.Settled
	})
	if got := len(ts.BotAPI.Calls("sendDocument")); got != 1 {
		t.Fatalf("expected 1 sendDocument, got %d", got)
	}
	if state, err := backend.HoldState(ctx, "task-1"); err != nil || state != storage.HoldCharged {
		t.Fatalf("hold state %q err=%v", state, err)
	}
	if bal, _ := backend.Balance(ctx, 42); bal != 70 {
		t.Fatalf("balance %d, want 70", bal)
	}
}

func TestStrictLockFailureStopsStartup(t *testing.T) {
	registry := advisory.NewRegistry(nil, time.Second)
	registry.SetUnavailable(errors.New("database down"))
	bot := NewFakeBotAPI()
	t.Cleanup(bot.Close)
	_, err := NewTestServer(context.Background(),
		WithTestBotAPI(bot),
		WithTestConfigFunc(func(cfg *Config) { cfg.LockStrict = true }),
		WithTestServerOptions(WithLockRegistry(registry)),
	)
	if err == nil {
		t.Fatalf("expected strict startup failure")
	}
}

func TestLenientLockFailureStaysPassive(t *testing.T) {
	registry := advisory.NewRegistry(nil, time.Second)
	registry.SetUnavailable(errors.New("database down"))
	ts := StartTestServer(t, WithTestServerOptions(WithLockRegistry(registry)))
	time.Sleep(100 * time.Millisecond)
	if ts.Server.State().Active() {
		t.Fatalf("instance active without lock")
	}
	registry.SetUnavailable(nil)
	waitFor(t, 2*time.Second, "recovery", func() bool { return ts.Server.State().Active() })
}

func TestForceActiveWithUnavailableLock(t *testing.T) {
	registry := advisory.NewRegistry(nil, time.Second)
	registry.SetUnavailable(errors.New("database down"))
	ts := StartTestServer(t,
		WithTestConfigFunc(func(cfg *Config) { cfg.ForceActive = true }),
		WithTestServerOptions(WithLockRegistry(registry)),
	)
	waitFor(t, 2*time.Second, "forced activation", func() bool { return ts.Server.State().Active() })
}

func TestShutdownDemotes(t *testing.T) {
	ts := StartTestServer(t)
	waitFor(t, 2*time.Second, "activation", func() bool { return ts.Server.State().Active() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ts.Server.State().Active() {
		t.Fatalf("still active after shutdown")
	}
	if ts.Server.Webhook().Configured {
		t.Fatalf("webhook ownership kept after shutdown")
	}
}
