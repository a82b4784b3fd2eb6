// Package logging decorates a storage.Backend with spans and debug logs.
package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/tandem/internal/storage"
	"pkt.systems/tandem/internal/svcfields"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
}

// Wrap decorates inner with tracing and debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger) storage.Backend {
	if inner == nil {
		return nil
	}
	return &backend{
		inner:  inner,
		logger: svcfields.EnsureLogger(logger),
		tracer: otel.Tracer("pkt.systems/tandem/storage"),
	}
}

func observe[T any](ctx context.Context, b *backend, op string, attrs []attribute.KeyValue, fn func(context.Context) (T, error)) (T, error) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "tandem.storage."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(append(attrs, attribute.String("tandem.storage.operation", op))...),
	)
	defer span.End()

	logger := b.logger
	result, err := fn(ctx)
	elapsed := time.Since(begin)
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		logger.Trace("storage.call.complete", "operation", op, "elapsed", elapsed)
	case errors.Is(err, storage.ErrNotFound):
		span.SetStatus(codes.Ok, "not_found")
		logger.Trace("storage.call.not_found", "operation", op, "elapsed", elapsed)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage_error")
		logger.Debug("storage.call.error",
			"operation", op,
			"elapsed", elapsed,
			"transient", storage.IsTransient(err),
			"error", err,
		)
	}
	return result, err
}

func task(taskID string) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("tandem.task_id", taskID)}
}

func user(userID int64) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.Int64("tandem.user_id", userID)}
}

func noResult(fn func(context.Context) error) func(context.Context) (struct{}, error) {
	return func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}
}

func (b *backend) AcquireDeliveryLock(ctx context.Context, taskID, holder string, ttl time.Duration) (bool, error) {
	attrs := append(task(taskID), attribute.String("tandem.holder", holder))
	return observe(ctx, b, "acquire_delivery_lock", attrs, func(ctx context.Context) (bool, error) {
		return b.inner.AcquireDeliveryLock(ctx, taskID, holder, ttl)
	})
}

func (b *backend) MarkDelivered(ctx context.Context, taskID, holder string) error {
	_, err := observe(ctx, b, "mark_delivered", task(taskID), noResult(func(ctx context.Context) error {
		return b.inner.MarkDelivered(ctx, taskID, holder)
	}))
	return err
}

func (b *backend) MarkSettled(ctx context.Context, taskID string) error {
	_, err := observe(ctx, b, "mark_settled", task(taskID), noResult(func(ctx context.Context) error {
		return b.inner.MarkSettled(ctx, taskID)
	}))
	return err
}

func (b *backend) RecordDeliveryFailure(ctx context.Context, taskID, holder, reason string) error {
	_, err := observe(ctx, b, "record_delivery_failure", task(taskID), noResult(func(ctx context.Context) error {
		return b.inner.RecordDeliveryFailure(ctx, taskID, holder, reason)
	}))
	return err
}

func (b *backend) DeliveryLock(ctx context.Context, taskID string) (storage.DeliveryLock, error) {
	return observe(ctx, b, "delivery_lock", task(taskID), func(ctx context.Context) (storage.DeliveryLock, error) {
		return b.inner.DeliveryLock(ctx, taskID)
	})
}

func (b *backend) PurgeDeliveryLocks(ctx context.Context, before time.Time) (int, error) {
	return observe(ctx, b, "purge_delivery_locks", nil, func(ctx context.Context) (int, error) {
		return b.inner.PurgeDeliveryLocks(ctx, before)
	})
}

func (b *backend) CreateJob(ctx context.Context, job storage.JobRecord) error {
	_, err := observe(ctx, b, "create_job", task(job.TaskID), noResult(func(ctx context.Context) error {
		return b.inner.CreateJob(ctx, job)
	}))
	return err
}

func (b *backend) Job(ctx context.Context, taskID string) (storage.JobRecord, error) {
	return observe(ctx, b, "job", task(taskID), func(ctx context.Context) (storage.JobRecord, error) {
		return b.inner.Job(ctx, taskID)
	})
}

func (b *backend) TransitionJob(ctx context.Context, taskID string, to storage.JobStatus, detail string) (storage.JobRecord, error) {
	attrs := append(task(taskID), attribute.String("tandem.job.to", string(to)))
	return observe(ctx, b, "transition_job", attrs, func(ctx context.Context) (storage.JobRecord, error) {
		return b.inner.TransitionJob(ctx, taskID, to, detail)
	})
}

func (b *backend) Credit(ctx context.Context, userID, amount int64) error {
	_, err := observe(ctx, b, "credit", user(userID), noResult(func(ctx context.Context) error {
		return b.inner.Credit(ctx, userID, amount)
	}))
	return err
}

func (b *backend) Hold(ctx context.Context, userID int64, taskID string, amount int64) error {
	_, err := observe(ctx, b, "hold", append(task(taskID), user(userID)...), noResult(func(ctx context.Context) error {
		return b.inner.Hold(ctx, userID, taskID, amount)
	}))
	return err
}

func (b *backend) Charge(ctx context.Context, taskID string) error {
	_, err := observe(ctx, b, "charge", task(taskID), noResult(func(ctx context.Context) error {
		return b.inner.Charge(ctx, taskID)
	}))
	return err
}

func (b *backend) ReleaseHold(ctx context.Context, taskID string) error {
	_, err := observe(ctx, b, "release_hold", task(taskID), noResult(func(ctx context.Context) error {
		return b.inner.ReleaseHold(ctx, taskID)
	}))
	return err
}

func (b *backend) Balance(ctx context.Context, userID int64) (int64, error) {
	return observe(ctx, b, "balance", user(userID), func(ctx context.Context) (int64, error) {
		return b.inner.Balance(ctx, userID)
	})
}

func (b *backend) HoldState(ctx context.Context, taskID string) (storage.HoldState, error) {
	return observe(ctx, b, "hold_state", task(taskID), func(ctx context.Context) (storage.HoldState, error) {
		return b.inner.HoldState(ctx, taskID)
	})
}

func (b *backend) Migrate(ctx context.Context) error {
	_, err := observe(ctx, b, "migrate", nil, noResult(b.inner.Migrate))
	return err
}

func (b *backend) Ping(ctx context.Context) error {
	_, err := observe(ctx, b, "ping", nil, noResult(b.inner.Ping))
	return err
}

func (b *backend) Close() error {
	return b.inner.Close()
}
