// Package advisory provides the cross-process exclusion handle that decides
// which tandem instance is active. Locks are cooperative: they guard nothing
// but the act of holding them.
package advisory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"pkt.systems/tandem/internal/clock"
)

var (
	// ErrLockLost is returned by Refresh when the handle is no longer held.
	ErrLockLost = errors.New("advisory: lock lost")
	// ErrUnavailable wraps failures reaching the lock backend.
	ErrUnavailable = errors.New("advisory: backend unavailable")
)

// Locker is a named, database-mediated exclusion handle bound to one holder.
type Locker interface {
	// Acquire tries to take the lock, retrying until timeout elapses.
	// It is idempotent for the current holder.
	Acquire(ctx context.Context, timeout time.Duration) (bool, error)
	// Refresh proves liveness while held and returns ErrLockLost otherwise.
	Refresh(ctx context.Context) error
	// Release drops the lock; calling it while not held is a no-op.
	Release(ctx context.Context) error
	// DebugInfo reports holder and heartbeat diagnostics.
	DebugInfo(ctx context.Context) (State, error)
	Holder() string
}

// Takeover records a holder change caused by a stale competitor.
type Takeover struct {
	At             time.Time     `json:"at"`
	PreviousHolder string        `json:"previous_holder"`
	NewHolder      string        `json:"new_holder"`
	StaleFor       time.Duration `json:"stale_for"`
}

// State is the diagnostic view of a lock.
type State struct {
	Key          int64         `json:"key"`
	Backend      string        `json:"backend"`
	Holder       string        `json:"holder,omitempty"`
	Self         string        `json:"self"`
	HeldBySelf   bool          `json:"held_by_self"`
	AcquiredAt   time.Time     `json:"acquired_at,omitempty"`
	Idle         time.Duration `json:"idle"`
	HeartbeatAge time.Duration `json:"heartbeat_age"`
	LastTakeover *Takeover     `json:"last_takeover,omitempty"`
}

// Key derives the lock key from the deployment identity so co-tenant
// deployments sharing a database never collide.
func Key(identity string) int64 {
	sum := sha256.Sum256([]byte("tandem/leader/" + identity))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Policy decides how acquire errors surface to the caller.
type Policy int

const (
	// Lenient reports backend failures as "not acquired".
	Lenient Policy = iota
	// Strict returns backend failures to the caller.
	Strict
)

// PolicyFor maps the strict-mode flag onto a Policy.
func PolicyFor(strict bool) Policy {
	if strict {
		return Strict
	}
	return Lenient
}

func (p Policy) String() string {
	if p == Strict {
		return "strict"
	}
	return "lenient"
}

// Resolve applies the policy to an acquire outcome.
func (p Policy) Resolve(acquired bool, err error) (bool, error) {
	if err == nil {
		return acquired, nil
	}
	if p == Strict {
		return false, err
	}
	return false, nil
}

const acquireRetryStep = 100 * time.Millisecond

// acquireWithin calls try until it wins, fails, ctx ends or timeout passes.
func acquireWithin(ctx context.Context, clk clock.Clock, timeout time.Duration, try func(context.Context) (bool, error)) (bool, error) {
	deadline := clk.Now().Add(timeout)
	for {
		ok, err := try(ctx)
		if err != nil || ok {
			return ok, err
		}
		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			return false, nil
		}
		step := acquireRetryStep
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-clk.After(step):
		}
	}
}
