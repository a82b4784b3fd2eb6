// Package retry decorates a storage.Backend so transient failures are
// retried with exponential backoff.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tandem/internal/clock"
	"pkt.systems/tandem/internal/storage"
	"pkt.systems/tandem/internal/svcfields"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a backend that retries transient errors according to cfg.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	return &backend{
		inner:  inner,
		logger: svcfields.EnsureLogger(logger),
		clock:  clock.Or(clk),
		cfg:    cfg,
	}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func do[T any](ctx context.Context, b *backend, op, key string, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := b.withRetry(ctx, op, key, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

func (b *backend) withRetry(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := b.cfg.MaxAttempts
	if attempts <= 1 {
		return fn(ctx)
	}
	delay := b.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		b.logger.Warn("storage.retry.transient",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", attempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.clock.After(delay):
		}
		delay = time.Duration(float64(delay) * b.cfg.Multiplier)
		if delay > b.cfg.MaxDelay {
			delay = b.cfg.MaxDelay
		}
	}
	return lastErr
}

func (b *backend) AcquireDeliveryLock(ctx context.Context, taskID, holder string, ttl time.Duration) (bool, error) {
	return do(ctx, b, "acquire_delivery_lock", taskID, func(ctx context.Context) (bool, error) {
		return b.inner.AcquireDeliveryLock(ctx, taskID, holder, ttl)
	})
}

func (b *backend) MarkDelivered(ctx context.Context, taskID, holder string) error {
	return b.withRetry(ctx, "mark_delivered", taskID, func(ctx context.Context) error {
		return b.inner.MarkDelivered(ctx, taskID, holder)
	})
}

func (b *backend) MarkSettled(ctx context.Context, taskID string) error {
	return b.withRetry(ctx, "mark_settled", taskID, func(ctx context.Context) error {
		return b.inner.MarkSettled(ctx, taskID)
	})
}

func (b *backend) RecordDeliveryFailure(ctx context.Context, taskID, holder, reason string) error {
	return b.withRetry(ctx, "record_delivery_failure", taskID, func(ctx context.Context) error {
		return b.inner.RecordDeliveryFailure(ctx, taskID, holder, reason)
	})
}

func (b *backend) DeliveryLock(ctx context.Context, taskID string) (storage.DeliveryLock, error) {
	return do(ctx, b, "delivery_lock", taskID, func(ctx context.Context) (storage.DeliveryLock, error) {
		return b.inner.DeliveryLock(ctx, taskID)
	})
}

func (b *backend) PurgeDeliveryLocks(ctx context.Context, before time.Time) (int, error) {
	return do(ctx, b, "purge_delivery_locks", "", func(ctx context.Context) (int, error) {
		return b.inner.PurgeDeliveryLocks(ctx, before)
	})
}

func (b *backend) CreateJob(ctx context.Context, job storage.JobRecord) error {
	return b.withRetry(ctx, "create_job", job.TaskID, func(ctx context.Context) error {
		return b.inner.CreateJob(ctx, job)
	})
}

func (b *backend) Job(ctx context.Context, taskID string) (storage.JobRecord, error) {
	return do(ctx, b, "job", taskID, func(ctx context.Context) (storage.JobRecord, error) {
		return b.inner.Job(ctx, taskID)
	})
}

func (b *backend) TransitionJob(ctx context.Context, taskID string, to storage.JobStatus, detail string) (storage.JobRecord, error) {
	return do(ctx, b, "transition_job", taskID, func(ctx context.Context) (storage.JobRecord, error) {
		return b.inner.TransitionJob(ctx, taskID, to, detail)
	})
}

func (b *backend) Credit(ctx context.Context, userID, amount int64) error {
	// Credit is not idempotent; a retried commit could apply twice.
	return b.inner.Credit(ctx, userID, amount)
}

func (b *backend) Hold(ctx context.Context, userID int64, taskID string, amount int64) error {
	return b.withRetry(ctx, "hold", taskID, func(ctx context.Context) error {
		return b.inner.Hold(ctx, userID, taskID, amount)
	})
}

func (b *backend) Charge(ctx context.Context, taskID string) error {
	return b.withRetry(ctx, "charge", taskID, func(ctx context.Context) error {
		return b.inner.Charge(ctx, taskID)
	})
}

func (b *backend) ReleaseHold(ctx context.Context, taskID string) error {
	return b.withRetry(ctx, "release_hold", taskID, func(ctx context.Context) error {
		return b.inner.ReleaseHold(ctx, taskID)
	})
}

func (b *backend) Balance(ctx context.Context, userID int64) (int64, error) {
	return do(ctx, b, "balance", "", func(ctx context.Context) (int64, error) {
		return b.inner.Balance(ctx, userID)
	})
}

func (b *backend) HoldState(ctx context.Context, taskID string) (storage.HoldState, error) {
	return do(ctx, b, "hold_state", taskID, func(ctx context.Context) (storage.HoldState, error) {
		return b.inner.HoldState(ctx, taskID)
	})
}

func (b *backend) Migrate(ctx context.Context) error {
	return b.withRetry(ctx, "migrate", "", b.inner.Migrate)
}

func (b *backend) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}

func (b *backend) Close() error {
	return b.inner.Close()
}
