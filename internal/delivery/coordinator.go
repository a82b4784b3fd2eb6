// Package delivery sends generation results to end users at most once per
// task and couples every successful delivery to ledger settlement.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/tandem/internal/botapi"
	"pkt.systems/tandem/internal/clock"
	"pkt.systems/tandem/internal/storage"
	"pkt.systems/tandem/internal/svcfields"
)

// DefaultLockTTL is the attempt window of a delivery lock.
const DefaultLockTTL = 5 * time.Minute

// ErrPartialDelivery reports that some result URLs reached the user while
// others exhausted every fallback. Such a task is still marked delivered and
// settled.
var ErrPartialDelivery = errors.New("delivery: partial delivery")

// Delivery methods, in fallback order.
const (
	MethodReference = "reference"
	MethodUpload    = "upload"
	MethodLink      = "link"
	MethodText      = "text"
)

// Target identifies the recipient.
type Target struct {
	ChatID int64
	UserID int64
}

// Payload is the content to deliver. Each URL is sent as a document; Text
// is sent as a message when there are no URLs and used as caption otherwise.
type Payload struct {
	URLs []string
	Text string
}

// Result is the structured outcome of DeliverOnce. Err is set when the lock
// was acquired but delivery or settlement failed; a partial delivery has
// Delivered set and Err wrapping ErrPartialDelivery.
type Result struct {
	Delivered        bool   `json:"delivered"`
	AlreadyDelivered bool   `json:"already_delivered"`
	LockAcquired     bool   `json:"lock_acquired"`
	Method           string `json:"method,omitempty"`
	Err              error  `json:"-"`
}

// Config wires a Coordinator.
type Config struct {
	Locks  storage.DeliveryLocks
	Ledger storage.Ledger
	Sender botapi.Sender
	// Instance prefixes lock holder ids.
	Instance    string
	MaxDownload int64
	Logger      pslog.Logger
	Clock       clock.Clock
}

// Coordinator owns the deliver-once protocol.
type Coordinator struct {
	locks       storage.DeliveryLocks
	ledger      storage.Ledger
	sender      botapi.Sender
	instance    string
	maxDownload int64
	logger      pslog.Logger
	clock       clock.Clock
	tracer      trace.Tracer
	outcomes    metric.Int64Counter
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Locks == nil || cfg.Ledger == nil || cfg.Sender == nil {
		return nil, fmt.Errorf("delivery: locks, ledger and sender are required")
	}
	if cfg.Instance == "" {
		cfg.Instance = xid.New().String()
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "delivery.coordinator")
	c := &Coordinator{
		locks:       cfg.Locks,
		ledger:      cfg.Ledger,
		sender:      cfg.Sender,
		instance:    cfg.Instance,
		maxDownload: cfg.MaxDownload,
		logger:      logger,
		clock:       clock.Or(cfg.Clock),
		tracer:      otel.Tracer("pkt.systems/tandem/delivery"),
	}
	var err error
	c.outcomes, err = otel.Meter("pkt.systems/tandem/delivery").Int64Counter(
		"tandem.delivery.outcomes",
		metric.WithDescription("Deliver-once attempts by outcome"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "tandem.delivery.outcomes", "error", err)
	}
	return c, nil
}

// DeliverOnce delivers payload for taskID unless another attempt holds the
// task or it was already delivered. It never panics on collaborator errors;
// failures are reported through Result.Err.
func (c *Coordinator) DeliverOnce(ctx context.Context, taskID string, target Target, payload Payload, ttl time.Duration) Result {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	ctx, span := c.tracer.Start(ctx, "tandem.delivery.deliver_once",
		trace.WithAttributes(attribute.String("tandem.task_id", taskID)))
	defer span.End()
	logger := c.logger.With("task_id", taskID)

	// Each attempt gets its own holder so two concurrent attempts from the
	// same instance still exclude each other.
	holder := c.instance + "/" + xid.New().String()
	acquired, err := c.locks.AcquireDeliveryLock(ctx, taskID, holder, ttl)
	if err != nil {
		c.record("lock_error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquire delivery lock")
		logger.Warn("delivery.lock.error", "error", err)
		return Result{Err: fmt.Errorf("delivery: acquire lock: %w", err)}
	}
	if !acquired {
		c.record("already_delivered")
		logger.Debug("delivery.lock.not_acquired")
		return Result{AlreadyDelivered: true}
	}

	res := Result{LockAcquired: true}
	method, sent, sendErr := c.send(ctx, logger, target, payload)
	if sendErr != nil && sent == 0 {
		res.Err = sendErr
		c.fail(ctx, logger, taskID, holder, sendErr)
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "deliver")
		c.record("failed")
		return res
	}
	res.Method = method
	outcome := "delivered"
	if sendErr != nil {
		// Content already reached the user, so the hold must not be released
		// and a retry must not resend what went out.
		outcome = "partial"
		res.Err = fmt.Errorf("%w: %d of %d sent: %w", ErrPartialDelivery, sent, len(payload.URLs), sendErr)
		span.RecordError(res.Err)
		logger.Warn("delivery.partial", "sent", sent, "total", len(payload.URLs), "error", sendErr)
	}
	if err := c.locks.MarkDelivered(ctx, taskID, holder); err != nil {
		// The user already has the content; settle anyway so receipt is
		// matched by a charge.
		logger.Error("delivery.mark_delivered.error", "error", err)
		res.Err = errors.Join(res.Err, fmt.Errorf("delivery: mark delivered: %w", err))
	}
	res.Delivered = true
	if err := c.settle(ctx, taskID); err != nil {
		logger.Error("delivery.settle.error", "error", err)
		res.Err = errors.Join(res.Err, err)
	}
	c.record(outcome)
	logger.Info("delivery.delivered", "method", method, "chat_id", target.ChatID, "sent", sent)
	return res
}

// NotifyFailure tells the user that their task failed, at most once per
// task, and returns any hold. It shares the task's delivery lock with
// DeliverOnce so a task receives either its result or the notice.
func (c *Coordinator) NotifyFailure(ctx context.Context, taskID string, target Target, reason string, ttl time.Duration) Result {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	logger := c.logger.With("task_id", taskID)
	holder := c.instance + "/" + xid.New().String()
	acquired, err := c.locks.AcquireDeliveryLock(ctx, taskID, holder, ttl)
	if err != nil {
		return Result{Err: fmt.Errorf("delivery: acquire lock: %w", err)}
	}
	if !acquired {
		return Result{AlreadyDelivered: true}
	}
	res := Result{LockAcquired: true, Method: MethodText}
	if _, err := c.sender.SendMessage(ctx, target.ChatID, FailureNotice(reason)); err != nil {
		res.Err = err
		c.fail(ctx, logger, taskID, holder, err)
		c.record("notice_failed")
		return res
	}
	res.Delivered = true
	if err := c.locks.MarkDelivered(ctx, taskID, holder); err != nil {
		res.Err = err
	}
	if err := c.release(ctx, taskID); err != nil {
		res.Err = errors.Join(res.Err, err)
	} else if err := c.locks.MarkSettled(ctx, taskID); err != nil {
		res.Err = errors.Join(res.Err, err)
	}
	c.record("failure_notified")
	logger.Info("delivery.failure_notified", "chat_id", target.ChatID)
	return res
}

// State reports where taskID is in the deliver-once lifecycle.
func (c *Coordinator) State(ctx context.Context, taskID string) (TaskState, error) {
	lock, err := c.locks.DeliveryLock(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		return TaskNone, nil
	}
	if err != nil {
		return "", err
	}
	return StateOf(lock, c.clock.Now()), nil
}

// send walks the fallback chain for every URL and reports how many reached
// the user. A URL that exhausts its fallbacks does not stop the rest.
func (c *Coordinator) send(ctx context.Context, logger pslog.Logger, target Target, payload Payload) (string, int, error) {
	if len(payload.URLs) == 0 {
		if strings.TrimSpace(payload.Text) == "" {
			return "", 0, fmt.Errorf("delivery: empty payload")
		}
		if _, err := c.sender.SendMessage(ctx, target.ChatID, payload.Text); err != nil {
			return "", 0, fmt.Errorf("delivery: send text: %w", err)
		}
		return MethodText, 1, nil
	}
	var (
		method string
		sent   int
		errs   []error
	)
	for _, url := range payload.URLs {
		used, err := c.sendOne(ctx, logger, target.ChatID, url, payload.Text)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
		if method == "" || fallbackRank(used) > fallbackRank(method) {
			method = used
		}
	}
	return method, sent, errors.Join(errs...)
}

func (c *Coordinator) sendOne(ctx context.Context, logger pslog.Logger, chatID int64, url, caption string) (string, error) {
	refErr := func() error {
		_, err := c.sender.SendDocument(ctx, chatID, url, caption)
		return err
	}()
	if refErr == nil {
		return MethodReference, nil
	}
	logger.Debug("delivery.fallback.upload", "url", url, "error", refErr)

	uploadErr := func() error {
		data, err := c.sender.Download(ctx, url, c.maxDownload)
		if err != nil {
			return err
		}
		_, err = c.sender.UploadDocument(ctx, chatID, fileName(url), data, caption)
		return err
	}()
	if uploadErr == nil {
		return MethodUpload, nil
	}
	logger.Warn("delivery.fallback.link", "url", url, "error", uploadErr)

	text := url
	if caption != "" {
		text = caption + "\n" + url
	}
	if _, err := c.sender.SendMessage(ctx, chatID, text); err != nil {
		return "", fmt.Errorf("delivery: all fallbacks failed for %s: %w", url, errors.Join(refErr, uploadErr, err))
	}
	return MethodLink, nil
}

func (c *Coordinator) settle(ctx context.Context, taskID string) error {
	if err := c.ledger.Charge(ctx, taskID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delivery: charge: %w", err)
	}
	if err := c.locks.MarkSettled(ctx, taskID); err != nil {
		return fmt.Errorf("delivery: mark settled: %w", err)
	}
	return nil
}

func (c *Coordinator) release(ctx context.Context, taskID string) error {
	if err := c.ledger.ReleaseHold(ctx, taskID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delivery: release hold: %w", err)
	}
	return nil
}

// fail records the failure and returns the hold. The lock is left to expire
// so a later attempt may retry.
func (c *Coordinator) fail(ctx context.Context, logger pslog.Logger, taskID, holder string, cause error) {
	if err := c.release(ctx, taskID); err != nil {
		logger.Error("delivery.release.error", "error", err)
	}
	if err := c.locks.RecordDeliveryFailure(ctx, taskID, holder, cause.Error()); err != nil {
		logger.Warn("delivery.record_failure.error", "error", err)
	}
	logger.Warn("delivery.failed", "error", cause)
}

func (c *Coordinator) record(outcome string) {
	if c.outcomes == nil {
		return
	}
	c.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("tandem.delivery.outcome", outcome)))
}

// FailureNotice is the end-user message for an undeliverable task.
func FailureNotice(reason string) string {
	msg := "Sorry, we could not deliver your result. Your balance was not charged."
	if reason = strings.TrimSpace(reason); reason != "" {
		msg += "\nReason: " + reason
	}
	return msg
}

func fallbackRank(method string) int {
	switch method {
	case MethodUpload:
		return 1
	case MethodLink:
		return 2
	}
	return 0
}

func fileName(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	name := path.Base(url)
	if name == "." || name == "/" || name == "" {
		return "result"
	}
	return name
}
