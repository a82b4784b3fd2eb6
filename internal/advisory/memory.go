package advisory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pkt.systems/tandem/internal/clock"
)

// Registry is an in-process lock table shared by Memory lockers. It stands
// in for the database when every instance lives in one process.
type Registry struct {
	clock      clock.Clock
	staleAfter time.Duration

	mu          sync.Mutex
	entries     map[int64]*registryEntry
	takeovers   map[int64]Takeover
	unavailable error
}

type registryEntry struct {
	holder      string
	acquiredAt  time.Time
	heartbeatAt time.Time
}

// NewRegistry returns an empty registry. Entries whose heartbeat is older
// than staleAfter may be taken over; zero disables takeover.
func NewRegistry(clk clock.Clock, staleAfter time.Duration) *Registry {
	return &Registry{
		clock:      clock.Or(clk),
		staleAfter: staleAfter,
		entries:    make(map[int64]*registryEntry),
		takeovers:  make(map[int64]Takeover),
	}
}

// SetUnavailable makes every operation fail with err until called with nil.
func (r *Registry) SetUnavailable(err error) {
	r.mu.Lock()
	r.unavailable = err
	r.mu.Unlock()
}

// Locker returns a handle for identity owned by holder.
func (r *Registry) Locker(identity, holder string) *Memory {
	return &Memory{registry: r, key: Key(identity), holder: holder}
}

// Memory is a Locker backed by a Registry.
type Memory struct {
	registry *Registry
	key      int64
	holder   string
}

func (m *Memory) Holder() string { return m.holder }

func (m *Memory) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	return acquireWithin(ctx, m.registry.clock, timeout, m.tryAcquire)
}

func (m *Memory) tryAcquire(context.Context) (bool, error) {
	r := m.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, r.unavailable)
	}
	now := r.clock.Now()
	entry := r.entries[m.key]
	switch {
	case entry == nil:
	case entry.holder == m.holder:
		entry.heartbeatAt = now
		return true, nil
	case r.staleAfter > 0 && now.Sub(entry.heartbeatAt) >= r.staleAfter:
		r.takeovers[m.key] = Takeover{
			At:             now,
			PreviousHolder: entry.holder,
			NewHolder:      m.holder,
			StaleFor:       now.Sub(entry.heartbeatAt),
		}
	default:
		return false, nil
	}
	r.entries[m.key] = &registryEntry{holder: m.holder, acquiredAt: now, heartbeatAt: now}
	return true, nil
}

func (m *Memory) Refresh(context.Context) error {
	r := m.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unavailable != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, r.unavailable)
	}
	entry := r.entries[m.key]
	if entry == nil || entry.holder != m.holder {
		return ErrLockLost
	}
	entry.heartbeatAt = r.clock.Now()
	return nil
}

func (m *Memory) Release(context.Context) error {
	r := m.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry := r.entries[m.key]; entry != nil && entry.holder == m.holder {
		delete(r.entries, m.key)
	}
	return nil
}

func (m *Memory) DebugInfo(context.Context) (State, error) {
	r := m.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	st := State{Key: m.key, Backend: "memory", Self: m.holder}
	if entry := r.entries[m.key]; entry != nil {
		now := r.clock.Now()
		st.Holder = entry.holder
		st.HeldBySelf = entry.holder == m.holder
		st.AcquiredAt = entry.acquiredAt
		st.HeartbeatAge = now.Sub(entry.heartbeatAt)
		st.Idle = st.HeartbeatAge
	}
	if tk, ok := r.takeovers[m.key]; ok {
		st.LastTakeover = &tk
	}
	return st, nil
}

var _ Locker = (*Memory)(nil)
