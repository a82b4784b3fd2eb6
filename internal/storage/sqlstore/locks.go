package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"pkt.systems/tandem/internal/storage"
)

func (s *Store) AcquireDeliveryLock(ctx context.Context, taskID, holder string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()
	row := &deliveryLockRow{
		TaskID:       taskID,
		Holder:       holder,
		AcquiredAtMs: toMillis(now),
		ExpiresAtMs:  toMillis(now.Add(ttl)),
		Attempts:     1,
	}
	res, err := s.db.NewInsert().Model(row).On("CONFLICT (task_id) DO NOTHING").Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("sqlstore: insert delivery lock: %w", classify(err))
	}
	if n, err := rowsAffected(res); err != nil || n == 1 {
		return n == 1, err
	}
	res, err = s.db.NewUpdate().
		Model((*deliveryLockRow)(nil)).
		Set("holder = ?", holder).
		Set("acquired_at_ms = ?", row.AcquiredAtMs).
		Set("expires_at_ms = ?", row.ExpiresAtMs).
		Set("attempts = attempts + 1").
		Where("task_id = ?", taskID).
		Where("delivered = ?", false).
		WhereGroup(" AND ", func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Where("holder = ?", holder).WhereOr("expires_at_ms <= ?", row.AcquiredAtMs)
		}).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("sqlstore: take over delivery lock: %w", classify(err))
	}
	n, err := rowsAffected(res)
	return n == 1, err
}

func (s *Store) MarkDelivered(ctx context.Context, taskID, holder string) error {
	res, err := s.db.NewUpdate().
		Model((*deliveryLockRow)(nil)).
		Set("delivered = ?", true).
		Set("delivered_at_ms = ?", s.nowMillis()).
		Set("last_error = ?", "").
		Where("task_id = ?", taskID).
		Where("holder = ?", holder).
		Where("delivered = ?", false).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: mark delivered: %w", classify(err))
	}
	if n, err := rowsAffected(res); err != nil || n == 1 {
		return err
	}
	lock, err := s.DeliveryLock(ctx, taskID)
	if err != nil {
		return err
	}
	if lock.Delivered {
		return nil
	}
	return storage.ErrNotHolder
}

func (s *Store) MarkSettled(ctx context.Context, taskID string) error {
	res, err := s.db.NewUpdate().
		Model((*deliveryLockRow)(nil)).
		Set("settled = ?", true).
		Where("task_id = ?", taskID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: mark settled: %w", classify(err))
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) RecordDeliveryFailure(ctx context.Context, taskID, holder, reason string) error {
	res, err := s.db.NewUpdate().
		Model((*deliveryLockRow)(nil)).
		Set("last_error = ?", reason).
		Where("task_id = ?", taskID).
		Where("holder = ?", holder).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: record delivery failure: %w", classify(err))
	}
	if n, err := rowsAffected(res); err != nil || n == 1 {
		return err
	}
	if _, err := s.DeliveryLock(ctx, taskID); err != nil {
		return err
	}
	return storage.ErrNotHolder
}

func (s *Store) DeliveryLock(ctx context.Context, taskID string) (storage.DeliveryLock, error) {
	row := new(deliveryLockRow)
	if err := s.db.NewSelect().Model(row).Where("task_id = ?", taskID).Scan(ctx); err != nil {
		return storage.DeliveryLock{}, classify(err)
	}
	return storage.DeliveryLock{
		TaskID:      row.TaskID,
		Holder:      row.Holder,
		AcquiredAt:  fromMillis(row.AcquiredAtMs),
		ExpiresAt:   fromMillis(row.ExpiresAtMs),
		Attempts:    row.Attempts,
		LastError:   row.LastError,
		Delivered:   row.Delivered,
		DeliveredAt: fromMillis(row.DeliveredAtMs),
		Settled:     row.Settled,
	}, nil
}

func (s *Store) PurgeDeliveryLocks(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.NewDelete().
		Model((*deliveryLockRow)(nil)).
		Where("delivered = ?", true).
		Where("delivered_at_ms < ?", toMillis(before)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: purge delivery locks: %w", classify(err))
	}
	n, err := rowsAffected(res)
	return int(n), err
}
