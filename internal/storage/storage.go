// Package storage defines the persistence capabilities tandem consumes:
// per-task delivery locks, job records and the balance ledger. Backends are
// chosen once at startup from the store URL.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the requested record is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidTransition is returned when a job status change is not allowed
	// from the record's current status.
	ErrInvalidTransition = errors.New("storage: invalid job transition")
	// ErrNotHolder is returned when a delivery lock operation is attempted by
	// a process that does not hold the lock.
	ErrNotHolder = errors.New("storage: delivery lock held by another process")
	// ErrInsufficientBalance is returned when a hold exceeds the available balance.
	ErrInsufficientBalance = errors.New("storage: insufficient balance")
	// ErrExists is returned when creating a record that already exists.
	ErrExists = errors.New("storage: already exists")
)

// DeliveryLock is the storage-resident exclusion record for one task.
type DeliveryLock struct {
	TaskID      string
	Holder      string
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	Attempts    int
	LastError   string
	Delivered   bool
	DeliveredAt time.Time
	Settled     bool
}

// Expired reports whether the lock window has passed at now.
func (l DeliveryLock) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// DeliveryLocks guards at-most-once external delivery per task.
type DeliveryLocks interface {
	// AcquireDeliveryLock claims taskID for holder until now+ttl. It wins when
	// no record exists, when the record is undelivered and expired, or when
	// holder already owns an unexpired claim. Delivered records never win.
	AcquireDeliveryLock(ctx context.Context, taskID, holder string, ttl time.Duration) (bool, error)
	MarkDelivered(ctx context.Context, taskID, holder string) error
	MarkSettled(ctx context.Context, taskID string) error
	RecordDeliveryFailure(ctx context.Context, taskID, holder, reason string) error
	DeliveryLock(ctx context.Context, taskID string) (DeliveryLock, error)
	// PurgeDeliveryLocks removes delivered records older than before.
	PurgeDeliveryLocks(ctx context.Context, before time.Time) (int, error)
}

// JobStatus is the lifecycle status of a generation job.
type JobStatus string

// Job statuses.
const (
	JobPending JobStatus = "pending"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// CanTransition reports whether from -> to is an allowed job transition.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobPending:
		return to == JobRunning || to == JobFailed
	case JobRunning:
		return to == JobDone || to == JobFailed
	}
	return false
}

// AllowedFrom lists the statuses a job may move to `to` from.
func AllowedFrom(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{JobPending, JobRunning, JobDone, JobFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// JobRecord tracks one unit of generation work owned by an end user.
type JobRecord struct {
	TaskID    string
	UserID    int64
	ChatID    int64
	Status    JobStatus
	Cost      int64
	Prompt    string
	Detail    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Jobs stores job records.
type Jobs interface {
	CreateJob(ctx context.Context, job JobRecord) error
	Job(ctx context.Context, taskID string) (JobRecord, error)
	// TransitionJob moves the job to `to`. Moving to the current status is a
	// no-op; disallowed transitions return ErrInvalidTransition.
	TransitionJob(ctx context.Context, taskID string, to JobStatus, detail string) (JobRecord, error)
}

// HoldState is the settlement state of a ledger hold.
type HoldState string

// Hold states.
const (
	HoldHeld     HoldState = "held"
	HoldCharged  HoldState = "charged"
	HoldReleased HoldState = "released"
)

// Ledger settles balances against jobs. Every settlement call is idempotent
// per task.
type Ledger interface {
	Credit(ctx context.Context, userID, amount int64) error
	// Hold reserves amount from the user's balance for taskID.
	Hold(ctx context.Context, userID int64, taskID string, amount int64) error
	// Charge finalises the task's hold. A released hold is debited again so
	// that every successful delivery is matched by a charge.
	Charge(ctx context.Context, taskID string) error
	// ReleaseHold returns a held amount to the user's balance.
	ReleaseHold(ctx context.Context, taskID string) error
	Balance(ctx context.Context, userID int64) (int64, error)
	HoldState(ctx context.Context, taskID string) (HoldState, error)
}

// Backend bundles every capability together with lifecycle hooks.
type Backend interface {
	DeliveryLocks
	Jobs
	Ledger
	// Migrate creates missing schema. It is idempotent.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
