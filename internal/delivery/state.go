package delivery

import (
	"time"

	"pkt.systems/tandem/internal/storage"
)

// TaskState is the per-task delivery lifecycle.
//
//	NONE -> LOCK_HELD -> DELIVERED -> TERMINAL
//	            |
//	            +-> FAILED (retryable once the lock expires)
type TaskState string

const (
	TaskNone      TaskState = "NONE"
	TaskLockHeld  TaskState = "LOCK_HELD"
	TaskFailed    TaskState = "FAILED"
	TaskDelivered TaskState = "DELIVERED"
	TaskTerminal  TaskState = "TERMINAL"
)

// StateOf derives the lifecycle state from a stored lock at now.
func StateOf(lock storage.DeliveryLock, now time.Time) TaskState {
	switch {
	case lock.Delivered && lock.Settled:
		return TaskTerminal
	case lock.Delivered:
		return TaskDelivered
	case lock.LastError != "":
		return TaskFailed
	case !lock.Expired(now):
		return TaskLockHeld
	}
	return TaskNone
}

// Retryable reports whether a new attempt may acquire the task at now.
func Retryable(lock storage.DeliveryLock, now time.Time) bool {
	return !lock.Delivered && lock.Expired(now)
}
