package sqlstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"pkt.systems/tandem/internal/storage"
)

func (s *Store) Credit(ctx context.Context, userID, amount int64) error {
	return s.inTx(ctx, "credit", func(ctx context.Context, tx bun.Tx) error {
		now := s.nowMillis()
		res, err := tx.NewUpdate().
			Model((*accountRow)(nil)).
			Set("balance = balance + ?", amount).
			Set("updated_at_ms = ?", now).
			Where("user_id = ?", userID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := rowsAffected(res); err != nil || n == 1 {
			return err
		}
		_, err = tx.NewInsert().Model(&accountRow{UserID: userID, Balance: amount, UpdatedAtMs: now}).Exec(ctx)
		return err
	})
}

func (s *Store) Hold(ctx context.Context, userID int64, taskID string, amount int64) error {
	return s.inTx(ctx, "hold", func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().Model((*holdRow)(nil)).Where("task_id = ?", taskID).Exists(ctx)
		if err != nil || exists {
			return err
		}
		now := s.nowMillis()
		res, err := tx.NewUpdate().
			Model((*accountRow)(nil)).
			Set("balance = balance - ?", amount).
			Set("updated_at_ms = ?", now).
			Where("user_id = ?", userID).
			Where("balance >= ?", amount).
			Exec(ctx)
		if err != nil {
			return err
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return storage.ErrInsufficientBalance
		}
		_, err = tx.NewInsert().Model(&holdRow{
			TaskID:      taskID,
			UserID:      userID,
			Amount:      amount,
			State:       string(storage.HoldHeld),
			UpdatedAtMs: now,
		}).Exec(ctx)
		return err
	})
}

func (s *Store) Charge(ctx context.Context, taskID string) error {
	return s.inTx(ctx, "charge", func(ctx context.Context, tx bun.Tx) error {
		hold, err := loadHold(ctx, tx, taskID)
		if err != nil {
			return err
		}
		switch storage.HoldState(hold.State) {
		case storage.HoldCharged:
			return nil
		case storage.HoldReleased:
			if err := adjustBalance(ctx, tx, hold.UserID, -hold.Amount, s.nowMillis()); err != nil {
				return err
			}
		}
		return setHoldState(ctx, tx, hold, storage.HoldCharged, s.nowMillis())
	})
}

func (s *Store) ReleaseHold(ctx context.Context, taskID string) error {
	return s.inTx(ctx, "release_hold", func(ctx context.Context, tx bun.Tx) error {
		hold, err := loadHold(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if storage.HoldState(hold.State) != storage.HoldHeld {
			return nil
		}
		if err := adjustBalance(ctx, tx, hold.UserID, hold.Amount, s.nowMillis()); err != nil {
			return err
		}
		return setHoldState(ctx, tx, hold, storage.HoldReleased, s.nowMillis())
	})
}

func (s *Store) Balance(ctx context.Context, userID int64) (int64, error) {
	row := new(accountRow)
	err := s.db.NewSelect().Model(row).Where("user_id = ?", userID).Scan(ctx)
	if err != nil {
		if err = classify(err); errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("sqlstore: balance: %w", err)
	}
	return row.Balance, nil
}

func (s *Store) HoldState(ctx context.Context, taskID string) (storage.HoldState, error) {
	hold, err := loadHold(ctx, s.db, taskID)
	if err != nil {
		return "", classify(err)
	}
	return storage.HoldState(hold.State), nil
}

func (s *Store) inTx(ctx context.Context, op string, fn func(context.Context, bun.Tx) error) error {
	err := s.db.RunInTx(ctx, nil, fn)
	if err == nil {
		return nil
	}
	err = classify(err)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInsufficientBalance) {
		return err
	}
	return fmt.Errorf("sqlstore: %s: %w", op, err)
}

func loadHold(ctx context.Context, db bun.IDB, taskID string) (*holdRow, error) {
	hold := new(holdRow)
	if err := db.NewSelect().Model(hold).Where("task_id = ?", taskID).Scan(ctx); err != nil {
		return nil, err
	}
	return hold, nil
}

func setHoldState(ctx context.Context, db bun.IDB, hold *holdRow, state storage.HoldState, now int64) error {
	res, err := db.NewUpdate().
		Model((*holdRow)(nil)).
		Set("state = ?", string(state)).
		Set("updated_at_ms = ?", now).
		Where("task_id = ?", hold.TaskID).
		Where("state = ?", hold.State).
		Exec(ctx)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.NewTransientError(fmt.Errorf("hold %s changed concurrently", hold.TaskID))
	}
	return nil
}

func adjustBalance(ctx context.Context, db bun.IDB, userID, delta, now int64) error {
	_, err := db.NewUpdate().
		Model((*accountRow)(nil)).
		Set("balance = balance + ?", delta).
		Set("updated_at_ms = ?", now).
		Where("user_id = ?", userID).
		Exec(ctx)
	return err
}
