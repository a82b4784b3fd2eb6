// Package leader runs the election loop: it owns the advisory lock, is the
// only writer of the active/passive state and runs the activation and
// deactivation hooks.
package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/tandem/internal/activestate"
	"pkt.systems/tandem/internal/advisory"
	"pkt.systems/tandem/internal/clock"
	"pkt.systems/tandem/internal/svcfields"
)

const (
	DefaultPollInterval   = time.Second
	DefaultGraceWindow    = 3 * time.Second
	DefaultAcquireTimeout = 5 * time.Second
	DefaultProbeTimeout   = 2 * time.Second
)

// Phase is the controller state.
type Phase string

const (
	PhaseAcquiring   Phase = "ACQUIRING"
	PhaseActive      Phase = "ACTIVE"
	PhasePassive     Phase = "PASSIVE"
	PhaseSafetyForce Phase = "SAFETY_FORCE"
)

// Hook is an activation or deactivation callback. Activation hooks must be
// safe to run more than once.
type Hook func(ctx context.Context) error

// Config wires a Controller.
type Config struct {
	Locker advisory.Locker
	State  *activestate.State
	Policy advisory.Policy
	// ForceActive assumes this is the only instance when the lock backend
	// is unreachable.
	ForceActive    bool
	PollInterval   time.Duration
	GraceWindow    time.Duration
	AcquireTimeout time.Duration
	ProbeTimeout   time.Duration
	Activate       Hook
	Deactivate     Hook
	Logger         pslog.Logger
	Clock          clock.Clock
}

// Diagnostics is the controller's self-report for status endpoints.
type Diagnostics struct {
	Phase            Phase           `json:"phase"`
	Holder           string          `json:"holder"`
	Policy           string          `json:"policy"`
	ForceActive      bool            `json:"force_active"`
	LockHeld         bool            `json:"lock_held"`
	ShouldProcess    bool            `json:"should_process"`
	Activated        bool            `json:"activated"`
	SafetyPromotions int             `json:"safety_promotions"`
	LastError        string          `json:"last_error,omitempty"`
	LastPollAt       time.Time       `json:"last_poll_at,omitempty"`
	Lock             *advisory.State `json:"lock,omitempty"`
	LockError        string          `json:"lock_error,omitempty"`
}

// Controller drives the active state from the advisory lock.
type Controller struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	transitions metric.Int64Counter

	// mu serialises every transition; primary and safety-net promotion
	// both run under it.
	mu               sync.Mutex
	phase            Phase
	lockHeld         bool
	shouldProcess    bool
	shouldSince      time.Time
	activated        bool
	safetyPromotions int
	lastErr          string
	lastPoll         time.Time
	snapshot         atomic.Pointer[Diagnostics]

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New validates cfg and returns a controller in the ACQUIRING phase.
func New(cfg Config) (*Controller, error) {
	if cfg.Locker == nil {
		return nil, fmt.Errorf("leader: locker required")
	}
	if cfg.State == nil {
		return nil, fmt.Errorf("leader: state required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.AcquireTimeout < 0 {
		cfg.AcquireTimeout = 0
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "leader.controller")
	c := &Controller{
		cfg:    cfg,
		logger: logger.With("holder", cfg.Locker.Holder()),
		clock:  clock.Or(cfg.Clock),
		phase:  PhaseAcquiring,
	}
	c.initMetrics()
	cfg.State.SetReporter(c)
	return c, nil
}

// Start makes the initial acquire attempt and launches the poll loop. Under
// the strict policy a backend failure on this first attempt is returned so
// the process can exit; every later failure only keeps the instance passive.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return nil
	}
	acquired, err := c.cfg.Locker.Acquire(ctx, c.cfg.AcquireTimeout)
	acquired, perr := c.cfg.Policy.Resolve(acquired, err)
	if perr != nil {
		c.logger.Error("leader.startup.lock_failed", "policy", c.cfg.Policy.String(), "error", perr)
		return fmt.Errorf("leader: initial lock acquire (strict): %w", perr)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.applyAcquire(loopCtx, acquired, err)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	go c.run(loopCtx, c.stopped)
	c.logger.Info("leader.start", "policy", c.cfg.Policy.String(), "force_active", c.cfg.ForceActive, "acquired", acquired, "poll", c.cfg.PollInterval)
	return nil
}

// Stop ends the loop, demotes and releases the lock. It waits for the loop
// at most until ctx is done.
func (c *Controller) Stop(ctx context.Context) error {
	c.runMu.Lock()
	cancel, stopped := c.cancel, c.stopped
	c.cancel = nil
	c.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-stopped:
	case <-ctx.Done():
		c.logger.Warn("leader.stop.timeout")
	}
	c.locked(func() {
		c.shouldProcess = false
		c.demoteLocked(ctx, "shutdown")
	})
	releaseCtx, done := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ProbeTimeout)
	defer done()
	if err := c.cfg.Locker.Release(releaseCtx); err != nil {
		c.logger.Warn("leader.release.error", "error", err)
		return err
	}
	c.logger.Info("leader.stop")
	return nil
}

func (c *Controller) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.cfg.PollInterval):
		}
		c.poll(ctx)
	}
}

// poll is one iteration: refresh or acquire, then the safety net.
func (c *Controller) poll(ctx context.Context) {
	var held bool
	c.locked(func() {
		held = c.lockHeld
		c.lastPoll = c.clock.Now()
	})

	if held {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		err := c.cfg.Locker.Refresh(probeCtx)
		cancel()
		switch {
		case err != nil && c.cfg.ForceActive && !errors.Is(err, advisory.ErrLockLost):
			// The session may still hold the lock; refresh it again next
			// poll while staying force-active.
			c.applyAcquire(ctx, false, err)
		case err != nil:
			c.loseLock(ctx, err)
		default:
			c.locked(func() { c.promoteLocked(ctx, "lock held") })
		}
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
		acquired, err := c.cfg.Locker.Acquire(probeCtx, 0)
		cancel()
		c.applyAcquire(ctx, acquired, err)
	}
	c.reconcile(ctx)
}

func (c *Controller) applyAcquire(ctx context.Context, acquired bool, err error) {
	c.mu.Lock()
	defer c.unlock()
	switch {
	case err != nil && c.cfg.ForceActive:
		if c.phase != PhaseSafetyForce {
			c.logger.Error("leader.force_active.engaged",
				"error", err,
				"warning", "lock backend unreachable; assuming single instance, duplicate processing is possible if another instance is running")
		}
		c.lastErr = err.Error()
		c.markShouldProcess(true)
		c.promoteLocked(ctx, "force-active: lock backend unavailable")
		c.setPhase(PhaseSafetyForce)
	case err != nil:
		c.lastErr = err.Error()
		c.logger.Warn("leader.acquire.error", "error", err)
		c.markShouldProcess(false)
		c.demoteLocked(ctx, "lock backend error")
	case acquired:
		c.lastErr = ""
		c.lockHeld = true
		c.markShouldProcess(true)
		c.promoteLocked(ctx, "lock acquired")
	default:
		c.lastErr = ""
		c.markShouldProcess(false)
		c.demoteLocked(ctx, "lock held elsewhere")
	}
}

func (c *Controller) loseLock(ctx context.Context, cause error) {
	releaseCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	_ = c.cfg.Locker.Release(releaseCtx)
	cancel()
	c.mu.Lock()
	defer c.unlock()
	c.lockHeld = false
	c.lastErr = cause.Error()
	c.logger.Warn("leader.lock.lost", "error", cause, "lost", errors.Is(cause, advisory.ErrLockLost))
	c.markShouldProcess(false)
	c.demoteLocked(ctx, "lock lost")
}

// reconcile promotes when the controller has wanted to process for longer
// than the grace window while the state still reads passive.
func (c *Controller) reconcile(ctx context.Context) {
	c.mu.Lock()
	defer c.unlock()
	if !c.shouldProcess || c.cfg.State.Active() {
		return
	}
	waited := c.clock.Now().Sub(c.shouldSince)
	if waited < c.cfg.GraceWindow {
		return
	}
	c.safetyPromotions++
	c.logger.Error("leader.safety_net.promote", "waited", waited, "grace", c.cfg.GraceWindow, "last_error", c.lastErr)
	c.cfg.State.Set(true, "safety-net promotion")
	c.setPhase(PhaseSafetyForce)
	c.recordTransition(ctx, "safety_force")
}

func (c *Controller) markShouldProcess(should bool) {
	if should && !c.shouldProcess {
		c.shouldSince = c.clock.Now()
	}
	c.shouldProcess = should
}

// promoteLocked runs the activation hook once per activation and then
// flips the state. A failing hook leaves the state passive and is retried
// on the next poll.
func (c *Controller) promoteLocked(ctx context.Context, reason string) {
	if !c.activated {
		if c.cfg.Activate != nil {
			if err := c.cfg.Activate(ctx); err != nil {
				c.lastErr = err.Error()
				c.logger.Error("leader.activate.hook_failed", "error", err)
				return
			}
		}
		c.activated = true
	}
	if c.cfg.State.Set(true, reason) {
		c.logger.Info("leader.state.changed", "active", true, "reason", reason)
		c.recordTransition(ctx, "active")
	}
	if c.phase != PhaseSafetyForce || c.lockHeld {
		c.setPhase(PhaseActive)
	}
}

func (c *Controller) demoteLocked(ctx context.Context, reason string) {
	wasActive := c.cfg.State.Set(false, reason)
	if c.activated {
		c.activated = false
		if c.cfg.Deactivate != nil {
			if err := c.cfg.Deactivate(ctx); err != nil {
				c.logger.Warn("leader.deactivate.hook_failed", "error", err)
			}
		}
	}
	if wasActive {
		c.logger.Info("leader.state.changed", "active", false, "reason", reason)
		c.recordTransition(ctx, "passive")
	}
	c.setPhase(PhasePassive)
}

func (c *Controller) setPhase(p Phase) {
	if c.phase == p {
		return
	}
	c.logger.Debug("leader.phase", "from", c.phase, "to", p)
	c.phase = p
}

// locked runs fn under the transition lock and publishes the result.
func (c *Controller) locked(fn func()) {
	c.mu.Lock()
	defer c.unlock()
	fn()
}

// unlock publishes a diagnostics snapshot and releases the transition lock.
func (c *Controller) unlock() {
	c.snapshot.Store(&Diagnostics{
		Phase:            c.phase,
		Holder:           c.cfg.Locker.Holder(),
		Policy:           c.cfg.Policy.String(),
		ForceActive:      c.cfg.ForceActive,
		LockHeld:         c.lockHeld,
		ShouldProcess:    c.shouldProcess,
		Activated:        c.activated,
		SafetyPromotions: c.safetyPromotions,
		LastError:        c.lastErr,
		LastPollAt:       c.lastPoll,
	})
	c.mu.Unlock()
}

// Phase reports the current controller phase without waiting for an
// in-progress transition.
func (c *Controller) Phase() Phase {
	if d := c.snapshot.Load(); d != nil {
		return d.Phase
	}
	return PhaseAcquiring
}

// Diagnostics implements activestate.Reporter. It reads the last published
// snapshot so a slow activation hook never blocks status probes.
func (c *Controller) Diagnostics(ctx context.Context) any {
	var d Diagnostics
	if snap := c.snapshot.Load(); snap != nil {
		d = *snap
	} else {
		d = Diagnostics{Phase: PhaseAcquiring, Holder: c.cfg.Locker.Holder(), Policy: c.cfg.Policy.String(), ForceActive: c.cfg.ForceActive}
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()
	if st, err := c.cfg.Locker.DebugInfo(probeCtx); err != nil {
		d.LockError = err.Error()
	} else {
		d.Lock = &st
	}
	return d
}

func (c *Controller) initMetrics() {
	meter := otel.Meter("pkt.systems/tandem/leader")
	var err error
	c.transitions, err = meter.Int64Counter(
		"tandem.leader.transitions",
		metric.WithDescription("Active/passive transitions by target role"),
	)
	if err != nil {
		c.logger.Warn("telemetry.metric.init_failed", "name", "tandem.leader.transitions", "error", err)
	}
	gauge, err := meter.Int64ObservableGauge(
		"tandem.leader.active",
		metric.WithDescription("1 while this instance is active"),
	)
	if err != nil {
		c.logger.Warn("telemetry.metric.init_failed", "name", "tandem.leader.active", "error", err)
		return
	}
	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var v int64
		if c.cfg.State.Active() {
			v = 1
		}
		o.ObserveInt64(gauge, v)
		return nil
	}, gauge); err != nil {
		c.logger.Warn("telemetry.metric.callback_failed", "name", "tandem.leader.active", "error", err)
	}
}

func (c *Controller) recordTransition(ctx context.Context, to string) {
	if c.transitions == nil {
		return
	}
	c.transitions.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("tandem.leader.to", to)))
}

var _ activestate.Reporter = (*Controller)(nil)
