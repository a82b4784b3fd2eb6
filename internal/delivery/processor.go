package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tandem/internal/storage"
	"pkt.systems/tandem/internal/svcfields"
)

// ErrUnknownTask is returned when a callback names a task with no job.
var ErrUnknownTask = errors.New("delivery: unknown task")

// Callback states reported by the generation provider.
const (
	CallbackRunning = "running"
	CallbackSuccess = "success"
	CallbackFailed  = "failed"
)

// Callback is the provider's generation-result notification.
type Callback struct {
	TaskID     string   `json:"task_id"`
	State      string   `json:"state"`
	ResultURLs []string `json:"result_urls,omitempty"`
	Text       string   `json:"text,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// ParseCallback decodes and normalises a callback body.
func ParseCallback(body []byte) (Callback, error) {
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return Callback{}, fmt.Errorf("delivery: decode callback: %w", err)
	}
	cb.TaskID = strings.TrimSpace(cb.TaskID)
	if cb.TaskID == "" {
		return Callback{}, fmt.Errorf("delivery: callback task_id missing")
	}
	switch s := strings.ToLower(strings.TrimSpace(cb.State)); s {
	case "success", "succeeded", "completed", "done":
		cb.State = CallbackSuccess
	case "fail", "failed", "error":
		cb.State = CallbackFailed
	case "", "running", "processing", "queued", "waiting":
		cb.State = CallbackRunning
	default:
		return Callback{}, fmt.Errorf("delivery: unknown callback state %q", cb.State)
	}
	return cb, nil
}

// Processor applies callbacks: job transitions, result delivery and
// failure notices.
type Processor struct {
	coord  *Coordinator
	jobs   storage.Jobs
	ttl    time.Duration
	logger pslog.Logger
}

// NewProcessor returns a processor delivering through coord.
func NewProcessor(coord *Coordinator, jobs storage.Jobs, ttl time.Duration, logger pslog.Logger) *Processor {
	return &Processor{
		coord:  coord,
		jobs:   jobs,
		ttl:    ttl,
		logger: svcfields.WithSubsystem(logger, "delivery.processor"),
	}
}

// Process handles one callback. Repeated callbacks for a delivered task are
// no-ops.
func (p *Processor) Process(ctx context.Context, cb Callback) (Result, error) {
	logger := p.logger.With("task_id", cb.TaskID, "state", cb.State)
	job, err := p.jobs.Job(ctx, cb.TaskID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("delivery.callback.unknown_task")
		return Result{}, ErrUnknownTask
	}
	if err != nil {
		return Result{}, fmt.Errorf("delivery: load job: %w", err)
	}
	target := Target{ChatID: job.ChatID, UserID: job.UserID}

	switch cb.State {
	case CallbackRunning:
		if job.Status == storage.JobPending {
			if _, err := p.jobs.TransitionJob(ctx, cb.TaskID, storage.JobRunning, ""); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
				return Result{}, err
			}
		}
		return Result{}, nil

	case CallbackFailed:
		if _, err := p.jobs.TransitionJob(ctx, cb.TaskID, storage.JobFailed, cb.Error); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
			return Result{}, err
		}
		res := p.coord.NotifyFailure(ctx, cb.TaskID, target, cb.Error, p.ttl)
		logger.Info("delivery.callback.failed", "notified", res.Delivered, "already", res.AlreadyDelivered)
		return res, res.Err
	}

	if job.Status == storage.JobFailed {
		logger.Warn("delivery.callback.ineligible", "job_status", job.Status)
		return Result{}, nil
	}
	if job.Status == storage.JobPending {
		if _, err := p.jobs.TransitionJob(ctx, cb.TaskID, storage.JobRunning, ""); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
			return Result{}, err
		}
	}
	res := p.coord.DeliverOnce(ctx, cb.TaskID, target, Payload{URLs: cb.ResultURLs, Text: cb.Text}, p.ttl)
	switch {
	case res.Delivered:
		if _, err := p.jobs.TransitionJob(ctx, cb.TaskID, storage.JobDone, res.Method); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
			logger.Error("delivery.job.transition_failed", "error", err)
		}
	case res.AlreadyDelivered:
		logger.Debug("delivery.callback.duplicate")
	case res.LockAcquired:
		// Every fallback failed: tell the user instead of staying silent.
		if _, err := p.coord.sender.SendMessage(ctx, target.ChatID, FailureNotice("")); err != nil {
			logger.Warn("delivery.notice.failed", "error", err)
		}
	}
	return res, res.Err
}
