package sqlstore

import (
	"context"
	"fmt"

	"pkt.systems/tandem/internal/storage"
)

func (s *Store) CreateJob(ctx context.Context, job storage.JobRecord) error {
	now := s.nowMillis()
	status := job.Status
	if status == "" {
		status = storage.JobPending
	}
	row := &jobRow{
		TaskID:      job.TaskID,
		UserID:      job.UserID,
		ChatID:      job.ChatID,
		Status:      string(status),
		Cost:        job.Cost,
		Prompt:      job.Prompt,
		Detail:      job.Detail,
		CreatedAtMs: now,
		UpdatedAtMs: now,
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: create job %s: %w", job.TaskID, classify(err))
	}
	return nil
}

func (s *Store) Job(ctx context.Context, taskID string) (storage.JobRecord, error) {
	row := new(jobRow)
	if err := s.db.NewSelect().Model(row).Where("task_id = ?", taskID).Scan(ctx); err != nil {
		return storage.JobRecord{}, classify(err)
	}
	return row.record(), nil
}

func (s *Store) TransitionJob(ctx context.Context, taskID string, to storage.JobStatus, detail string) (storage.JobRecord, error) {
	current, err := s.Job(ctx, taskID)
	if err != nil {
		return storage.JobRecord{}, err
	}
	if current.Status == to {
		return current, nil
	}
	if !storage.CanTransition(current.Status, to) {
		return current, fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, current.Status, to)
	}
	now := s.nowMillis()
	res, err := s.db.NewUpdate().
		Model((*jobRow)(nil)).
		Set("status = ?", string(to)).
		Set("detail = ?", detail).
		Set("updated_at_ms = ?", now).
		Where("task_id = ?", taskID).
		Where("status = ?", string(current.Status)).
		Exec(ctx)
	if err != nil {
		return current, fmt.Errorf("sqlstore: transition job %s: %w", taskID, classify(err))
	}
	n, err := rowsAffected(res)
	if err != nil {
		return current, err
	}
	if n == 0 {
		return current, fmt.Errorf("%w: %s changed concurrently", storage.ErrInvalidTransition, taskID)
	}
	current.Status = to
	current.Detail = detail
	current.UpdatedAt = fromMillis(now)
	return current, nil
}

func (r *jobRow) record() storage.JobRecord {
	return storage.JobRecord{
		TaskID:    r.TaskID,
		UserID:    r.UserID,
		ChatID:    r.ChatID,
		Status:    storage.JobStatus(r.Status),
		Cost:      r.Cost,
		Prompt:    r.Prompt,
		Detail:    r.Detail,
		CreatedAt: fromMillis(r.CreatedAtMs),
		UpdatedAt: fromMillis(r.UpdatedAtMs),
	}
}
