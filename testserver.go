package tandem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"
)

// TestServer wraps a running Server with handles for tests. Outbound bot
// API calls go to BotAPI, an in-process fake.
type TestServer struct {
	Server  *Server
	BaseURL string
	Config  Config
	BotAPI  *FakeBotAPI

	stop    func(context.Context) error
	ownsBot bool
}

// Stop shuts down the server using the provided context.
func (ts *TestServer) Stop(ctx context.Context) error {
	if ts == nil || ts.stop == nil {
		return nil
	}
	err := ts.stop(ctx)
	ts.stop = nil
	if ts.ownsBot {
		ts.BotAPI.Close()
	}
	return err
}

// URL joins path onto the server base URL.
func (ts *TestServer) URL(path string) string {
	return ts.BaseURL + "/" + strings.TrimPrefix(path, "/")
}

type testingWriter struct {
	t  testing.TB
	mu sync.Mutex
	// closed guards against writes after the associated test has finished.
	closed bool
}

func (w *testingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	for _, line := range bytes.Split(p, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		w.log(string(line))
	}
	return len(p), nil
}

func (w *testingWriter) log(entry string) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if strings.Contains(msg, "Log in goroutine after") || strings.Contains(msg, "during concurrent Cleanups") {
				return
			}
			panic(r)
		}
	}()
	w.t.Log(entry)
}

func (w *testingWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// NewTestingLogger returns a structured logger writing through t.
func NewTestingLogger(t testing.TB) pslog.Logger {
	writer := &testingWriter{t: t}
	t.Cleanup(writer.close)
	return pslog.NewStructured(context.Background(), writer).With("app", "testserver")
}

type testServerOptions struct {
	mutators   []func(*Config)
	serverOpts []Option
	bot        *FakeBotAPI
	tb         testing.TB
}

// TestServerOption customises StartTestServer.
type TestServerOption func(*testServerOptions)

// WithTestConfigFunc mutates the configuration before start.
func WithTestConfigFunc(fn func(*Config)) TestServerOption {
	return func(o *testServerOptions) {
		if fn != nil {
			o.mutators = append(o.mutators, fn)
		}
	}
}

// WithTestServerOptions passes options through to NewServer.
func WithTestServerOptions(opts ...Option) TestServerOption {
	return func(o *testServerOptions) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// WithTestBotAPI shares a fake bot API between servers.
func WithTestBotAPI(bot *FakeBotAPI) TestServerOption {
	return func(o *testServerOptions) { o.bot = bot }
}

// WithTestLoggerFromTB routes server logs through t.
func WithTestLoggerFromTB(t testing.TB) TestServerOption {
	return func(o *testServerOptions) { o.tb = t }
}

// NewTestServer starts a memory-backed server on a loopback port with fast
// leader timings. The server stops when ctx is cancelled or on Stop.
func NewTestServer(ctx context.Context, opts ...TestServerOption) (*TestServer, error) {
	var options testServerOptions
	for _, opt := range opts {
		opt(&options)
	}
	ts := &TestServer{BotAPI: options.bot}
	if ts.BotAPI == nil {
		ts.BotAPI = NewFakeBotAPI()
		ts.ownsBot = true
	}
	cfg := Config{
		Listen:             "127.0.0.1:0",
		Store:              "mem://",
		WebhookSecret:      "test-webhook-secret",
		BotToken:           "123:test",
		BotAPIURL:          ts.BotAPI.URL(),
		LockPollInterval:   20 * time.Millisecond,
		LockGraceWindow:    100 * time.Millisecond,
		LockAcquireTimeout: 50 * time.Millisecond,
		LockLeaseTTL:       500 * time.Millisecond,
		RateLimit:          1000,
		ShutdownTimeout:    2 * time.Second,
	}
	for _, mut := range options.mutators {
		mut(&cfg)
	}
	var logger pslog.Logger = pslog.NoopLogger()
	if options.tb != nil {
		logger = NewTestingLogger(options.tb)
	}
	serverOpts := append([]Option{WithLogger(logger)}, options.serverOpts...)

	srv, stop, err := StartServer(ctx, cfg, serverOpts...)
	if err != nil {
		if ts.ownsBot {
			ts.BotAPI.Close()
		}
		return nil, err
	}
	addr := srv.ListenerAddr()
	if addr == nil {
		_ = stop(context.Background())
		return nil, fmt.Errorf("test server: listener not initialised")
	}
	ts.Server = srv
	ts.Config = srv.cfg
	ts.BaseURL = "http://" + addr.String()
	ts.stop = stop
	return ts, nil
}

// StartTestServer fails the test on error and registers cleanup.
func StartTestServer(t testing.TB, opts ...TestServerOption) *TestServer {
	t.Helper()
	ts, err := NewTestServer(context.Background(), opts...)
	if err != nil {
		t.Fatalf("start test server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ts.Stop(ctx); err != nil {
			t.Errorf("stop test server: %v", err)
		}
	})
	return ts
}

// BotCall is one request received by FakeBotAPI.
type BotCall struct {
	Method string
	Body   map[string]any
}

// FakeBotAPI answers bot API methods with canned successes and records
// every call. Files under /files/ are served from AddFile.
type FakeBotAPI struct {
	srv *httptest.Server

	mu    sync.Mutex
	calls []BotCall
	files map[string][]byte
	fail  map[string]int
	next  int64
}

// NewFakeBotAPI starts the fake on a loopback port.
func NewFakeBotAPI() *FakeBotAPI {
	f := &FakeBotAPI{files: make(map[string][]byte), fail: make(map[string]int)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	return f
}

// URL is the base URL to configure as BotAPIURL.
func (f *FakeBotAPI) URL() string { return f.srv.URL }

// Close stops the fake.
func (f *FakeBotAPI) Close() { f.srv.Close() }

// AddFile serves data at URL()+"/files/"+name.
func (f *FakeBotAPI) AddFile(name string, data []byte) string {
	f.mu.Lock()
	f.files[name] = data
	f.mu.Unlock()
	return f.srv.URL + "/files/" + name
}

// FailMethod makes method answer with an API error.
func (f *FakeBotAPI) FailMethod(method string, status int) {
	f.mu.Lock()
	f.fail[method] = status
	f.mu.Unlock()
}

// Calls returns the recorded calls for method, or all calls when empty.
func (f *FakeBotAPI) Calls(method string) []BotCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []BotCall
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	if name, ok := strings.CutPrefix(r.URL.Path, "/files/"); ok {
		f.mu.Lock()
		data, found := f.files[name]
		f.mu.Unlock()
		if !found {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
		return
	}
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	body := map[string]any{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(8 << 20); err == nil {
			for k, v := range r.MultipartForm.Value {
				body[k] = strings.Join(v, ",")
			}
			for k := range r.MultipartForm.File {
				body[k] = "<upload>"
			}
		}
	} else {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
	}
	f.mu.Lock()
	f.calls = append(f.calls, BotCall{Method: method, Body: body})
	status := f.fail[method]
	f.next++
	id := f.next
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error_code": status, "description": "fake failure"})
		return
	}
	var result any = true
	switch method {
	case "sendMessage", "sendDocument":
		result = map[string]any{"message_id": id, "chat": map[string]any{"id": 1}, "date": time.Now().Unix()}
	case "getWebhookInfo":
		result = map[string]any{"url": "", "pending_update_count": 0}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}
