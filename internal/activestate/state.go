// Package activestate holds the process-wide active/passive role. Exactly one
// writer (the leader controller) updates it; queue workers and HTTP handlers
// read it or block until the process becomes active.
package activestate

import (
	"context"
	"sync"
	"time"

	"pkt.systems/tandem/internal/clock"
)

// Snapshot is a consistent copy of the role at one point in time.
type Snapshot struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason"`
	UpdatedAt   time.Time `json:"updated_at"`
	Transitions uint64    `json:"transitions"`
}

// Reporter exposes diagnostics of whatever drives the role, typically the
// leader controller. The state only hands it out; it never calls it.
type Reporter interface {
	Diagnostics(ctx context.Context) any
}

// State is a mutex-guarded role flag with change broadcast.
type State struct {
	clock clock.Clock

	mu          sync.Mutex
	active      bool
	reason      string
	updatedAt   time.Time
	transitions uint64
	changed     chan struct{}
	reporter    Reporter
}

// New returns a passive state.
func New(clk clock.Clock) *State {
	clk = clock.Or(clk)
	return &State{
		clock:     clk,
		reason:    "startup",
		updatedAt: clk.Now(),
		changed:   make(chan struct{}),
	}
}

// Set records the role and reason, wakes every waiter and reports whether
// the active flag flipped. Reason-only updates refresh the timestamp without
// waking waiters.
func (s *State) Set(active bool, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	flipped := s.active != active
	s.active = active
	s.reason = reason
	s.updatedAt = s.clock.Now()
	if flipped {
		s.transitions++
		close(s.changed)
		s.changed = make(chan struct{})
	}
	return flipped
}

// Active reports the current role.
func (s *State) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Snapshot returns a consistent copy of the role.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Active:      s.active,
		Reason:      s.reason,
		UpdatedAt:   s.updatedAt,
		Transitions: s.transitions,
	}
}

// Changed returns a channel closed on the next active/passive flip.
func (s *State) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// WaitActive blocks until the process is active or ctx ends.
func (s *State) WaitActive(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.active {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetReporter attaches the diagnostics source.
func (s *State) SetReporter(r Reporter) {
	s.mu.Lock()
	s.reporter = r
	s.mu.Unlock()
}

// Reporter returns the attached diagnostics source, if any.
func (s *State) Reporter() Reporter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reporter
}
