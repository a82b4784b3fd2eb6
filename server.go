package tandem

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/tandem/api"
	"pkt.systems/tandem/internal/activestate"
	"pkt.systems/tandem/internal/advisory"
	"pkt.systems/tandem/internal/botapi"
	"pkt.systems/tandem/internal/clock"
	"pkt.systems/tandem/internal/delivery"
	"pkt.systems/tandem/internal/httpapi"
	"pkt.systems/tandem/internal/ingress"
	"pkt.systems/tandem/internal/leader"
	"pkt.systems/tandem/internal/storage"
	"pkt.systems/tandem/internal/svcfields"
	"pkt.systems/tandem/internal/updatequeue"
	"pkt.systems/tandem/internal/version"
)

// WebhookRegistrar registers and removes the inbound webhook with the bot
// API. *botapi.Client implements it.
type WebhookRegistrar interface {
	SetWebhook(ctx context.Context, cfg botapi.WebhookConfig) error
	DeleteWebhook(ctx context.Context, dropPending bool) error
}

// Server wires the leader controller, update queue, ingress pipeline and
// delivery coordinator behind one HTTP server.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	startedAt time.Time

	backend     storage.Backend
	state       *activestate.State
	controller  *leader.Controller
	queue       *updatequeue.Manager
	pipeline    *ingress.Pipeline
	coordinator *delivery.Coordinator
	processor   *delivery.Processor
	registrar   WebhookRegistrar
	handler     *httpapi.Handler
	httpSrv     *http.Server
	listener    net.Listener
	telemetry   *telemetryBundle

	schemaReady atomic.Bool
	registerMu  sync.Mutex
	webhookMu   sync.Mutex
	webhook     api.WebhookStatus

	mu           sync.Mutex
	shutdown     bool
	lastServeErr error
	sweeperStop  chan struct{}
	sweeperDone  sync.WaitGroup
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Clock      clock.Clock
	Backend    storage.Backend
	Registry   *advisory.Registry
	Locker     advisory.Locker
	Sender     botapi.Sender
	Registrar  WebhookRegistrar
	Dispatcher updatequeue.Dispatcher
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithBackend injects a pre-built storage backend. The server does not
// close injected backends.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.Backend = b }
}

// WithLockRegistry shares an in-process lock table between servers using
// the memory store, so several instances in one process compete for the
// same leader lock.
func WithLockRegistry(r *advisory.Registry) Option {
	return func(o *options) { o.Registry = r }
}

// WithLocker overrides the leader lock chosen from the store URL.
func WithLocker(l advisory.Locker) Option {
	return func(o *options) { o.Locker = l }
}

// WithSender overrides the outbound bot API client.
func WithSender(s botapi.Sender) Option {
	return func(o *options) { o.Sender = s }
}

// WithWebhookRegistrar overrides the client used for webhook registration.
func WithWebhookRegistrar(r WebhookRegistrar) Option {
	return func(o *options) { o.Registrar = r }
}

// WithDispatcher installs the business handler for inbound updates.
func WithDispatcher(d updatequeue.Dispatcher) Option {
	return func(o *options) { o.Dispatcher = d }
}

// NewServer validates cfg and assembles every component. Nothing runs
// until Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	logger := svcfields.EnsureLogger(o.Logger).With("instance", cfg.InstanceID)
	clk := clock.Or(o.Clock)

	s := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server"),
		clock:     clk,
		startedAt: clk.Now(),
		registrar: o.Registrar,
		readyCh:   make(chan struct{}),
	}
	cleanup := func() {}
	fail := func(err error) (*Server, error) {
		cleanup()
		return nil, err
	}

	var err error
	s.telemetry, err = setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:   cfg.OTLPEndpoint,
		MetricsListen:  cfg.MetricsListen,
		PprofListen:    cfg.PprofListen,
		RuntimeMetrics: cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	cleanup = func() { s.shutdownTelemetry(context.Background()) }

	backend := o.Backend
	target := storeTarget{kind: storeMemory}
	var owned storage.Backend
	if backend == nil {
		raw, db, t, err := openBackend(context.Background(), cfg, logger, clk)
		if err != nil {
			return fail(err)
		}
		target, owned = t, raw
		prev := cleanup
		cleanup = func() {
			_ = raw.Close()
			prev()
		}
		backend = raw
		if o.Locker == nil {
			if o.Locker, err = newLocker(target, db, o.Registry, cfg, clk); err != nil {
				return fail(err)
			}
		}
	} else if o.Locker == nil {
		if o.Locker, err = newLocker(target, nil, o.Registry, cfg, clk); err != nil {
			return fail(err)
		}
	}
	s.backend = decorateBackend(backend, cfg, logger, clk)
	if owned == nil {
		// Injected backends belong to the caller.
		s.backend = noCloseBackend{s.backend}
	}

	sender := o.Sender
	if sender == nil || (s.registrar == nil && cfg.PublicURL != "") {
		if cfg.BotToken == "" {
			return fail(fmt.Errorf("config: bot token is required"))
		}
		client, err := botapi.New(cfg.BotToken,
			botapi.WithBaseURL(cfg.BotAPIURL),
			botapi.WithLogger(logger),
		)
		if err != nil {
			return fail(err)
		}
		if sender == nil {
			sender = client
		}
		if s.registrar == nil {
			s.registrar = client
		}
	}

	dispatcher := o.Dispatcher
	if dispatcher == nil {
		dispatcher = unhandledDispatcher(logger)
	}
	s.state = activestate.New(clk)
	if s.queue, err = updatequeue.New(updatequeue.Config{
		Capacity:        cfg.QueueCapacity,
		Workers:         cfg.QueueWorkers,
		DispatchTimeout: cfg.QueueDispatchTimeout,
		PassiveHold:     cfg.QueuePassiveHold,
		Dispatcher:      dispatcher,
		Sender:          sender,
		Gate:            s.state,
		Logger:          logger,
		Clock:           clk,
	}); err != nil {
		return fail(err)
	}
	if s.pipeline, err = ingress.New(ingress.Config{
		PathSecret:     cfg.WebhookSecret,
		HeaderSecret:   cfg.WebhookHeaderSecret,
		MaxBody:        cfg.WebhookMaxBody,
		RateLimit:      cfg.RateLimit,
		RateWindow:     cfg.RateWindow,
		MaxSources:     cfg.RateMaxSources,
		DedupeCapacity: cfg.DedupeCapacity,
		Queue:          s.queue,
		Logger:         logger,
		Clock:          clk,
	}); err != nil {
		return fail(err)
	}
	if s.coordinator, err = delivery.New(delivery.Config{
		Locks:       s.backend,
		Ledger:      s.backend,
		Sender:      sender,
		Instance:    cfg.InstanceID,
		MaxDownload: cfg.MaxDownload,
		Logger:      logger,
		Clock:       clk,
	}); err != nil {
		return fail(err)
	}
	s.processor = delivery.NewProcessor(s.coordinator, s.backend, cfg.DeliveryLockTTL, logger)
	if s.controller, err = leader.New(leader.Config{
		Locker:         o.Locker,
		State:          s.state,
		Policy:         advisory.PolicyFor(cfg.LockStrict),
		ForceActive:    cfg.ForceActive,
		PollInterval:   cfg.LockPollInterval,
		GraceWindow:    cfg.LockGraceWindow,
		AcquireTimeout: cfg.LockAcquireTimeout,
		Activate:       s.activate,
		Deactivate:     s.deactivate,
		Logger:         logger,
		Clock:          clk,
	}); err != nil {
		return fail(err)
	}
	if s.handler, err = httpapi.New(httpapi.Config{
		State:              s.state,
		Ingress:            s.pipeline,
		Queue:              s.queue,
		Callbacks:          s.processor,
		Readiness:          s,
		CallbackPath:       cfg.CallbackPath,
		CallbackSecret:     cfg.CallbackSecret,
		CallbackTimeout:    cfg.CallbackTimeout,
		CallbackActiveWait: cfg.CallbackActiveWait,
		CallbackMaxBody:    cfg.WebhookMaxBody,
		TrustForwarded:     cfg.TrustForwarded,
		Instance:           cfg.InstanceID,
		Version:            version.Current(),
		StartedAt:          s.startedAt,
		Tracing:            cfg.OTLPEndpoint != "",
		Logger:             logger,
		Clock:              clk,
	}); err != nil {
		return fail(err)
	}
	mux := http.NewServeMux()
	s.handler.Register(mux)
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}
	s.logger.Info("server.configured",
		"store", target.kind,
		"deployment", cfg.DeploymentID,
		"lock_policy", advisory.PolicyFor(cfg.LockStrict).String(),
		"force_active", cfg.ForceActive,
		"queue_capacity", cfg.QueueCapacity,
		"queue_workers", cfg.QueueWorkers,
	)
	if cfg.ForceActive {
		s.logger.Warn("server.force_active.enabled", "impact", "instance assumes it is alone when the lock backend is unreachable; concurrent instances may double-process")
	}
	return s, nil
}

// Handler returns the HTTP handler so the server can be mounted inside an
// existing mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// State exposes the active/passive role.
func (s *Server) State() *activestate.State {
	return s.state
}

// Queue exposes the update queue, mainly for metrics.
func (s *Server) Queue() *updatequeue.Manager {
	return s.queue
}

// Coordinator exposes the deliver-once coordinator for business handlers.
func (s *Server) Coordinator() *delivery.Coordinator {
	return s.coordinator
}

// Backend exposes the decorated storage backend.
func (s *Server) Backend() storage.Backend {
	return s.backend
}

// SetRateLimits applies reloaded rate limit thresholds.
func (s *Server) SetRateLimits(limit int, window time.Duration, maxSources int) {
	s.pipeline.SetRateLimits(limit, window, maxSources)
	s.logger.Info("server.rate_limits.reloaded", "limit", limit, "window", window, "max_sources", maxSources)
}

// Start binds the listener, starts the queue and the leader controller and
// serves until Shutdown. Under the strict lock policy a lock backend
// failure here is returned before serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	ctx := context.Background()
	if err := s.queue.Start(ctx); err != nil {
		_ = ln.Close()
		return err
	}
	if err := s.controller.Start(ctx); err != nil {
		_ = s.queue.Stop(ctx)
		_ = ln.Close()
		return err
	}
	s.signalReady()
	s.logger.Info("server.listening", "address", ln.Addr().String(), "active", s.state.Active())
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting requests, demotes and releases the lock, drains
// the queue and in-flight callbacks and closes storage. Every phase is
// bounded by ctx; teardown proceeds even when a phase times out.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := s.controller.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("leader stop: %w", err))
	}
	if err := s.queue.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue stop: %w", err))
	}
	if err := s.handler.Wait(ctx); err != nil {
		s.logger.Warn("server.shutdown.callbacks_abandoned", "error", err)
	}
	s.stopSweeper()
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage close: %w", err))
	}
	s.shutdownTelemetry(ctx)
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		s.logger.Warn("server.shutdown.incomplete", "error", errors.Join(errs...))
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) shutdownTelemetry(ctx context.Context) {
	if s.telemetry == nil {
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	_ = s.telemetry.Shutdown(ctx)
	s.telemetry = nil
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound and the controller has
// made its first acquire attempt, or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer runs NewServer and Start in the background and waits until
// the server is ready. The returned stop function shuts it down; it also
// runs when ctx is cancelled.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err == nil {
			err = fmt.Errorf("server exited before becoming ready")
		}
		return nil, nil, err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, ctx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.cfg.ShutdownTimeout)
			defer cancel()
			_ = stop(shutdownCtx)
		}()
	}
	return srv, stop, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "tandem"
	}
	return host + "-" + xid.New().String()
}

// unhandledDispatcher logs updates when no business handler is installed.
func unhandledDispatcher(logger pslog.Logger) updatequeue.Dispatcher {
	logger = svcfields.WithSubsystem(logger, "queue.dispatch")
	return updatequeue.DispatcherFunc(func(_ context.Context, item updatequeue.Item, _ botapi.Sender) error {
		logger.Debug("queue.dispatch.unhandled", "update_id", item.ID, "kind", item.Update.Kind())
		return nil
	})
}

// noCloseBackend leaves closing an injected backend to its owner.
type noCloseBackend struct {
	storage.Backend
}

func (noCloseBackend) Close() error { return nil }
