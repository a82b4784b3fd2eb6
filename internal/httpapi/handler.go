// Package httpapi serves tandem's HTTP surface: the webhook and callback
// ingress endpoints and the health, readiness and status probes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/tandem/api"
	"pkt.systems/tandem/internal/activestate"
	"pkt.systems/tandem/internal/clock"
	"pkt.systems/tandem/internal/delivery"
	"pkt.systems/tandem/internal/ingress"
	"pkt.systems/tandem/internal/svcfields"
	"pkt.systems/tandem/internal/updatequeue"
	"pkt.systems/tandem/internal/uuidv7"
)

const (
	headerRequestID      = "X-Request-Id"
	headerWebhookSecret  = "X-Telegram-Bot-Api-Secret-Token"
	headerCallbackSecret = "X-Callback-Token"

	// DefaultCallbackTimeout bounds asynchronous callback processing.
	DefaultCallbackTimeout = 2 * time.Minute
	// DefaultCallbackActiveWait is how long a passive instance holds a
	// callback for activation before dropping it.
	DefaultCallbackActiveWait = 10 * time.Second
	// DefaultProbeTimeout bounds every dependency probe made by status
	// endpoints.
	DefaultProbeTimeout = 2 * time.Second
)

// QueueStats exposes update queue counters.
type QueueStats interface {
	Metrics() updatequeue.Metrics
}

// CallbackProcessor applies provider callbacks.
type CallbackProcessor interface {
	Process(ctx context.Context, cb delivery.Callback) (delivery.Result, error)
}

// Readiness reports activation side effects owned by the bootstrap.
type Readiness interface {
	SchemaReady() bool
	Webhook() api.WebhookStatus
}

// Config wires a Handler.
type Config struct {
	State     *activestate.State
	Ingress   *ingress.Pipeline
	Queue     QueueStats
	Callbacks CallbackProcessor
	Readiness Readiness
	// CallbackPath is the route suffix for provider callbacks, without the
	// leading slash. Empty disables the endpoint.
	CallbackPath       string
	CallbackSecret     string
	CallbackTimeout    time.Duration
	// CallbackActiveWait bounds how long a passive instance holds a
	// callback waiting for activation. Negative drops it at once.
	CallbackActiveWait time.Duration
	CallbackMaxBody    int64
	// TrustForwarded makes the rate limiter key on X-Forwarded-For.
	TrustForwarded bool
	Instance       string
	Version        string
	StartedAt      time.Time
	Tracing        bool
	Logger         pslog.Logger
	Clock          clock.Clock
}

// Handler serves every tandem route.
type Handler struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock
	tracer trace.Tracer

	// inflight tracks asynchronous callback processing.
	inflight sync.WaitGroup
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New validates cfg and returns a handler.
func New(cfg Config) (*Handler, error) {
	if cfg.State == nil {
		return nil, fmt.Errorf("httpapi: state required")
	}
	if cfg.Ingress == nil {
		return nil, fmt.Errorf("httpapi: ingress pipeline required")
	}
	if cfg.CallbackPath = strings.Trim(cfg.CallbackPath, "/ "); cfg.CallbackPath != "" && cfg.Callbacks == nil {
		return nil, fmt.Errorf("httpapi: callback processor required when callback path is set")
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	if cfg.CallbackActiveWait == 0 {
		cfg.CallbackActiveWait = DefaultCallbackActiveWait
	}
	if cfg.CallbackMaxBody <= 0 {
		cfg.CallbackMaxBody = ingress.DefaultMaxBody
	}
	clk := clock.Or(cfg.Clock)
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = clk.Now()
	}
	return &Handler{
		cfg:    cfg,
		logger: svcfields.EnsureLogger(cfg.Logger),
		clock:  clk,
		tracer: otel.Tracer("pkt.systems/tandem/httpapi"),
	}, nil
}

// Register installs every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET /health", h.wrap("health", h.handleHealth))
	mux.Handle("GET /ready", h.wrap("ready", h.handleReady))
	mux.Handle("GET /{$}", h.wrap("status", h.handleStatus))
	mux.Handle("POST /webhook/{secret}", h.wrap("webhook", h.handleWebhook))
	if h.cfg.CallbackPath != "" {
		mux.Handle("POST /"+h.cfg.CallbackPath, h.wrap("callback", h.handleCallback))
	}
}

// Wait blocks until in-flight callbacks finish or ctx ends.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := "api.http." + operation
	spanName := "tandem.http." + operation
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := h.clock.Now()
		ctx, span := h.tracer.Start(r.Context(), spanName,
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attribute.String("tandem.sys", sys)),
		)
		defer span.End()

		reqID := uuidv7.Accept(r.Header.Get(headerRequestID))
		w.Header().Set(headerRequestID, reqID)
		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", redactPath(operation, r.URL.Path),
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			var httpErr httpError
			if errors.As(err, &httpErr) {
				span.SetAttributes(
					attribute.String("tandem.error_code", httpErr.Code),
					attribute.Int("tandem.error_status", httpErr.Status),
				)
			}
			logger.Debug("http.request.error", "elapsed", h.clock.Now().Sub(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Trace("http.request.complete", "elapsed", h.clock.Now().Sub(start))
	})
	if !h.cfg.Tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName)
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
		writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail})
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{ErrorCode: "internal_error", Detail: "internal server error"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// sourceOf identifies the caller for rate limiting.
func (h *Handler) sourceOf(r *http.Request) string {
	if h.cfg.TrustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// redactPath keeps the webhook secret out of logs.
func redactPath(operation, path string) string {
	if operation == "webhook" {
		return "/webhook/<redacted>"
	}
	return path
}
