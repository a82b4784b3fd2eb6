// Package ingress is the admission pipeline behind the webhook endpoint:
// authentication, rate limiting, size guard, parsing, dedupe and enqueue.
// Apart from authentication and oversized bodies every outcome is
// acknowledged to the caller as success.
package ingress

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/tandem/internal/botapi"
	"pkt.systems/tandem/internal/clock"
	"pkt.systems/tandem/internal/svcfields"
)

// DefaultMaxBody is the webhook payload limit.
const DefaultMaxBody int64 = 1 << 20

var (
	// ErrUnknownWebhook hides the endpoint when the path secret is wrong.
	ErrUnknownWebhook = errors.New("ingress: unknown webhook")
	// ErrUnauthorized reports a missing or wrong header secret.
	ErrUnauthorized = errors.New("ingress: unauthorized")
	// ErrPayloadTooLarge rejects bodies over the configured limit.
	ErrPayloadTooLarge = errors.New("ingress: payload too large")
)

// Outcome is the admission result of one accepted request.
type Outcome string

const (
	OutcomeEnqueued    Outcome = "enqueued"
	OutcomeDropped     Outcome = "dropped"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeRateLimited Outcome = "rate_limited"
)

// Enqueuer is the non-blocking sink for admitted updates.
type Enqueuer interface {
	Enqueue(id int64, update botapi.Update) bool
}

// Config wires a Pipeline.
type Config struct {
	// PathSecret is the token embedded in the webhook URL. Required.
	PathSecret string
	// HeaderSecret, when set, must match the secret-token request header.
	HeaderSecret   string
	MaxBody        int64
	RateLimit      int
	RateWindow     time.Duration
	MaxSources     int
	DedupeCapacity int
	Queue          Enqueuer
	Logger         pslog.Logger
	Clock          clock.Clock
}

// Pipeline admits webhook requests.
type Pipeline struct {
	pathSecret   []byte
	headerSecret []byte
	maxBody      int64
	queue        Enqueuer
	limiter      *RateLimiter
	dedupe       *DedupeWindow
	logger       pslog.Logger
	outcomes     metric.Int64Counter
}

// New validates cfg and returns a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.PathSecret == "" {
		return nil, fmt.Errorf("ingress: path secret required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("ingress: queue required")
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "ingress.webhook")
	p := &Pipeline{
		pathSecret: []byte(cfg.PathSecret),
		maxBody:    cfg.MaxBody,
		queue:      cfg.Queue,
		limiter:    NewRateLimiter(cfg.RateLimit, cfg.RateWindow, cfg.MaxSources, cfg.Clock),
		dedupe:     NewDedupeWindow(cfg.DedupeCapacity),
		logger:     logger,
	}
	if cfg.HeaderSecret != "" {
		p.headerSecret = []byte(cfg.HeaderSecret)
	}
	var err error
	p.outcomes, err = otel.Meter("pkt.systems/tandem/ingress").Int64Counter(
		"tandem.ingress.requests",
		metric.WithDescription("Webhook requests by admission outcome"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "tandem.ingress.requests", "error", err)
	}
	return p, nil
}

// Authorize checks the path secret and, when configured, the header secret.
func (p *Pipeline) Authorize(pathSecret, headerSecret string) error {
	if subtle.ConstantTimeCompare([]byte(pathSecret), p.pathSecret) != 1 {
		p.record("unknown_webhook")
		return ErrUnknownWebhook
	}
	if p.headerSecret != nil && subtle.ConstantTimeCompare([]byte(headerSecret), p.headerSecret) != 1 {
		p.record("unauthorized")
		return ErrUnauthorized
	}
	return nil
}

// Admit runs an authorized request through the pipeline. contentLength is
// the declared length or -1. Only ErrPayloadTooLarge is returned as an
// error; every other outcome is a success for the caller.
func (p *Pipeline) Admit(ctx context.Context, source string, contentLength int64, body io.Reader) (Outcome, error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = p.logger
	}
	if !p.limiter.Allow(source) {
		p.record(string(OutcomeRateLimited))
		logger.Debug("ingress.rate_limited", "source", source)
		return OutcomeRateLimited, nil
	}
	if contentLength > p.maxBody {
		p.record("too_large")
		logger.Warn("ingress.payload.too_large", "source", source, "content_length", contentLength, "limit", p.maxBody)
		return "", ErrPayloadTooLarge
	}
	raw, err := io.ReadAll(io.LimitReader(body, p.maxBody+1))
	if err != nil {
		p.record(string(OutcomeMalformed))
		logger.Warn("ingress.payload.read_failed", "source", source, "error", err)
		return OutcomeMalformed, nil
	}
	if int64(len(raw)) > p.maxBody {
		p.record("too_large")
		logger.Warn("ingress.payload.too_large", "source", source, "limit", p.maxBody)
		return "", ErrPayloadTooLarge
	}
	update, err := botapi.ParseUpdate(raw)
	if err != nil {
		p.record(string(OutcomeMalformed))
		logger.Warn("ingress.payload.malformed", "source", source, "bytes", len(raw), "error", err)
		return OutcomeMalformed, nil
	}
	if p.dedupe.Observe(update.UpdateID) {
		p.record(string(OutcomeDuplicate))
		logger.Debug("ingress.update.duplicate", "update_id", update.UpdateID)
		return OutcomeDuplicate, nil
	}
	if !p.queue.Enqueue(update.UpdateID, update) {
		p.record(string(OutcomeDropped))
		return OutcomeDropped, nil
	}
	p.record(string(OutcomeEnqueued))
	logger.Trace("ingress.update.enqueued", "update_id", update.UpdateID, "kind", update.Kind())
	return OutcomeEnqueued, nil
}

// SetRateLimits applies new rate thresholds without a restart.
func (p *Pipeline) SetRateLimits(limit int, window time.Duration, maxSources int) {
	p.limiter.SetLimits(limit, window, maxSources)
	p.logger.Info("ingress.rate_limit.updated", "limit", limit, "window", window, "max_sources", maxSources)
}

// MaxBody reports the payload limit.
func (p *Pipeline) MaxBody() int64 { return p.maxBody }

func (p *Pipeline) record(outcome string) {
	if p.outcomes == nil {
		return
	}
	p.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tandem.ingress.outcome", outcome)))
}
