// Package memory implements storage.Backend in process memory; intended for
// tests and single-instance development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/tandem/internal/clock"
	"pkt.systems/tandem/internal/storage"
)

// Store implements storage.Backend in-memory.
type Store struct {
	clock clock.Clock

	mu       sync.Mutex
	locks    map[string]*storage.DeliveryLock
	jobs     map[string]*storage.JobRecord
	balances map[int64]int64
	holds    map[string]*hold
	closed   bool
}

type hold struct {
	userID int64
	amount int64
	state  storage.HoldState
}

// New returns an empty store using the real clock.
func New() *Store {
	return NewWithClock(clock.Real{})
}

// NewWithClock returns an empty store that reads time from clk.
func NewWithClock(clk clock.Clock) *Store {
	return &Store{
		clock:    clock.Or(clk),
		locks:    make(map[string]*storage.DeliveryLock),
		jobs:     make(map[string]*storage.JobRecord),
		balances: make(map[int64]int64),
		holds:    make(map[string]*hold),
	}
}

// Migrate is a no-op for the memory store.
func (s *Store) Migrate(context.Context) error { return nil }

// Ping fails once the store is closed.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) AcquireDeliveryLock(_ context.Context, taskID, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	lock, ok := s.locks[taskID]
	switch {
	case !ok:
		lock = &storage.DeliveryLock{TaskID: taskID}
		s.locks[taskID] = lock
	case lock.Delivered:
		return false, nil
	case lock.Holder != holder && !lock.Expired(now):
		return false, nil
	}
	lock.Holder = holder
	lock.AcquiredAt = now
	lock.ExpiresAt = now.Add(ttl)
	lock.Attempts++
	return true, nil
}

func (s *Store) MarkDelivered(_ context.Context, taskID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[taskID]
	if !ok {
		return storage.ErrNotFound
	}
	if lock.Delivered {
		return nil
	}
	if lock.Holder != holder {
		return storage.ErrNotHolder
	}
	lock.Delivered = true
	lock.DeliveredAt = s.clock.Now()
	lock.LastError = ""
	return nil
}

func (s *Store) MarkSettled(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[taskID]
	if !ok {
		return storage.ErrNotFound
	}
	lock.Settled = true
	return nil
}

func (s *Store) RecordDeliveryFailure(_ context.Context, taskID, holder, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[taskID]
	if !ok {
		return storage.ErrNotFound
	}
	if lock.Holder != holder {
		return storage.ErrNotHolder
	}
	lock.LastError = reason
	return nil
}

func (s *Store) DeliveryLock(_ context.Context, taskID string) (storage.DeliveryLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[taskID]
	if !ok {
		return storage.DeliveryLock{}, storage.ErrNotFound
	}
	return *lock, nil
}

func (s *Store) PurgeDeliveryLocks(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, lock := range s.locks {
		if lock.Delivered && lock.DeliveredAt.Before(before) {
			delete(s.locks, id)
			purged++
		}
	}
	return purged, nil
}

func (s *Store) CreateJob(_ context.Context, job storage.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.TaskID]; ok {
		return storage.ErrExists
	}
	now := s.clock.Now()
	if job.Status == "" {
		job.Status = storage.JobPending
	}
	job.CreatedAt = now
	job.UpdatedAt = now
	s.jobs[job.TaskID] = &job
	return nil
}

func (s *Store) Job(_ context.Context, taskID string) (storage.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[taskID]
	if !ok {
		return storage.JobRecord{}, storage.ErrNotFound
	}
	return *job, nil
}

func (s *Store) TransitionJob(_ context.Context, taskID string, to storage.JobStatus, detail string) (storage.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[taskID]
	if !ok {
		return storage.JobRecord{}, storage.ErrNotFound
	}
	if job.Status == to {
		return *job, nil
	}
	if !storage.CanTransition(job.Status, to) {
		return *job, fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, job.Status, to)
	}
	job.Status = to
	job.Detail = detail
	job.UpdatedAt = s.clock.Now()
	return *job, nil
}

func (s *Store) Credit(_ context.Context, userID, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] += amount
	return nil
}

func (s *Store) Hold(_ context.Context, userID int64, taskID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.holds[taskID]; ok {
		return nil
	}
	if s.balances[userID] < amount {
		return storage.ErrInsufficientBalance
	}
	s.balances[userID] -= amount
	s.holds[taskID] = &hold{userID: userID, amount: amount, state: storage.HoldHeld}
	return nil
}

func (s *Store) Charge(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[taskID]
	if !ok {
		return storage.ErrNotFound
	}
	switch h.state {
	case storage.HoldCharged:
		return nil
	case storage.HoldReleased:
		s.balances[h.userID] -= h.amount
	}
	h.state = storage.HoldCharged
	return nil
}

func (s *Store) ReleaseHold(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[taskID]
	if !ok {
		return storage.ErrNotFound
	}
	if h.state != storage.HoldHeld {
		return nil
	}
	s.balances[h.userID] += h.amount
	h.state = storage.HoldReleased
	return nil
}

func (s *Store) Balance(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID], nil
}

func (s *Store) HoldState(_ context.Context, taskID string) (storage.HoldState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.holds[taskID]
	if !ok {
		return "", storage.ErrNotFound
	}
	return h.state, nil
}
