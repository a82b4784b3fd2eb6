// Package updatequeue buffers inbound updates in a bounded FIFO and feeds
// them to a fixed worker pool. Workers only dispatch while the process is
// active; passive workers drain and discard so the buffer never grows
// without bound.
package updatequeue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tandem/internal/botapi"
	"pkt.systems/tandem/internal/clock"
	"pkt.systems/tandem/internal/svcfields"
)

const (
	DefaultCapacity        = 1000
	DefaultWorkers         = 4
	DefaultDispatchTimeout = 60 * time.Second
	DefaultSlowThreshold   = 5 * time.Second
	DefaultPassiveHold     = time.Second
	DefaultStopTimeout     = 10 * time.Second
)

var (
	// ErrStopTimeout is returned by Stop when workers outlive the deadline.
	ErrStopTimeout = errors.New("updatequeue: workers did not stop in time")

	errDispatchTimeout = errors.New("updatequeue: dispatch timed out")
)

// Item is one admitted update.
type Item struct {
	ID         int64
	Update     botapi.Update
	EnqueuedAt time.Time
}

// Dispatcher is the business handler invoked for each update while active.
type Dispatcher interface {
	Dispatch(ctx context.Context, item Item, out botapi.Sender) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, item Item, out botapi.Sender) error

func (f DispatcherFunc) Dispatch(ctx context.Context, item Item, out botapi.Sender) error {
	return f(ctx, item, out)
}

// Gate reports the active role and signals flips.
type Gate interface {
	Active() bool
	Changed() <-chan struct{}
}

// Config wires a Manager.
type Config struct {
	Capacity int
	Workers  int
	// DispatchTimeout bounds one Dispatch call.
	DispatchTimeout time.Duration
	// SlowThreshold triggers a warning for dispatches still running past it.
	SlowThreshold time.Duration
	// PassiveHold is how long a worker keeps a pulled item while passive,
	// waiting for activation, before discarding it. Zero discards at once.
	PassiveHold time.Duration
	// StopTimeout bounds the graceful phase of Stop.
	StopTimeout time.Duration

	Dispatcher Dispatcher
	Sender     botapi.Sender
	Gate       Gate
	Logger     pslog.Logger
	Clock      clock.Clock
}

// Metrics is a point-in-time view of the queue counters.
type Metrics struct {
	Received      int64   `json:"received"`
	Processed     int64   `json:"processed"`
	Dropped       int64   `json:"dropped"`
	Errors        int64   `json:"errors"`
	Discarded     int64   `json:"discarded"`
	Depth         int     `json:"depth"`
	Capacity      int     `json:"capacity"`
	Workers       int     `json:"workers"`
	ActiveWorkers int64   `json:"active_workers"`
	DropRate      float64 `json:"drop_rate"`
}

// Manager owns the buffer and the worker pool.
type Manager struct {
	cfg     Config
	items   chan Item
	logger  pslog.Logger
	clock   clock.Clock
	metrics *queueMetrics

	received      atomic.Int64
	processed     atomic.Int64
	dropped       atomic.Int64
	errors        atomic.Int64
	discarded     atomic.Int64
	activeWorkers atomic.Int64
	stopped       atomic.Bool

	mu           sync.Mutex
	running      bool
	stopLoop     context.CancelFunc
	stopInFlight context.CancelFunc
	wg           sync.WaitGroup
}

// New validates cfg and returns an idle manager. Enqueue works before Start;
// items wait in the buffer.
func New(cfg Config) (*Manager, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("updatequeue: dispatcher required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("updatequeue: gate required")
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = DefaultSlowThreshold
	}
	if cfg.PassiveHold < 0 {
		cfg.PassiveHold = 0
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "queue.manager")
	m := &Manager{
		cfg:    cfg,
		items:  make(chan Item, cfg.Capacity),
		logger: logger,
		clock:  clock.Or(cfg.Clock),
	}
	m.metrics = newQueueMetrics(logger, m)
	return m, nil
}

// Enqueue admits update without blocking. It returns false when the buffer
// is full or the manager has been stopped.
func (m *Manager) Enqueue(id int64, update botapi.Update) bool {
	m.received.Add(1)
	m.metrics.recordReceived()
	if m.stopped.Load() {
		m.dropped.Add(1)
		m.metrics.recordDropped("stopped")
		return false
	}
	item := Item{ID: id, Update: update, EnqueuedAt: m.clock.Now()}
	select {
	case m.items <- item:
		return true
	default:
		m.dropped.Add(1)
		m.metrics.recordDropped("full")
		m.logger.Warn("queue.enqueue.dropped", "update_id", id, "capacity", m.cfg.Capacity)
		return false
	}
}

// Start spawns the worker pool. Calling it twice is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if m.stopped.Load() {
		return fmt.Errorf("updatequeue: manager stopped")
	}
	loopCtx, stopLoop := context.WithCancel(context.WithoutCancel(ctx))
	inFlightCtx, stopInFlight := context.WithCancel(context.WithoutCancel(ctx))
	m.stopLoop = stopLoop
	m.stopInFlight = stopInFlight
	m.running = true
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker(loopCtx, inFlightCtx, i)
	}
	m.logger.Info("queue.start", "workers", m.cfg.Workers, "capacity", m.cfg.Capacity)
	return nil
}

// Stop halts intake and waits for workers: first gracefully for up to
// StopTimeout (or ctx), then cancels in-flight dispatches and waits briefly
// once more. It never blocks indefinitely.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopped.Store(true)
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stopLoop, stopInFlight := m.stopLoop, m.stopInFlight
	m.mu.Unlock()

	stopLoop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	graceful := time.NewTimer(m.cfg.StopTimeout)
	defer graceful.Stop()
	select {
	case <-done:
		stopInFlight()
		m.logger.Info("queue.stop", "abandoned", len(m.items))
		return nil
	case <-ctx.Done():
	case <-graceful.C:
	}
	stopInFlight()
	forced := time.NewTimer(time.Second)
	defer forced.Stop()
	select {
	case <-done:
		m.logger.Warn("queue.stop.forced", "abandoned", len(m.items))
		return nil
	case <-forced.C:
		m.logger.Error("queue.stop.timeout", "active_workers", m.activeWorkers.Load())
		return ErrStopTimeout
	}
}

// Metrics returns the current counters.
func (m *Manager) Metrics() Metrics {
	received := m.received.Load()
	dropped := m.dropped.Load()
	out := Metrics{
		Received:      received,
		Processed:     m.processed.Load(),
		Dropped:       dropped,
		Errors:        m.errors.Load(),
		Discarded:     m.discarded.Load(),
		Depth:         len(m.items),
		Capacity:      m.cfg.Capacity,
		Workers:       m.cfg.Workers,
		ActiveWorkers: m.activeWorkers.Load(),
	}
	if received > 0 {
		out.DropRate = float64(dropped) / float64(received)
	}
	return out
}

func (m *Manager) worker(loopCtx, inFlightCtx context.Context, n int) {
	defer m.wg.Done()
	logger := m.logger.With("worker", n)
	for {
		select {
		case <-loopCtx.Done():
			return
		case item := <-m.items:
			m.handle(loopCtx, inFlightCtx, logger, item)
		}
	}
}

func (m *Manager) handle(loopCtx, inFlightCtx context.Context, logger pslog.Logger, item Item) {
	if !m.awaitActive(loopCtx) {
		m.discarded.Add(1)
		m.metrics.recordDiscarded()
		logger.Debug("queue.item.discarded", "update_id", item.ID, "reason", "passive")
		return
	}
	m.activeWorkers.Add(1)
	defer m.activeWorkers.Add(-1)

	started := m.clock.Now()
	err := m.dispatch(inFlightCtx, logger, item)
	elapsed := m.clock.Now().Sub(started)
	m.processed.Add(1)
	m.metrics.recordProcessed(elapsed, err)
	if err != nil {
		m.errors.Add(1)
		logger.Warn("queue.dispatch.error", "update_id", item.ID, "kind", item.Update.Kind(), "elapsed", elapsed, "error", err)
		return
	}
	logger.Trace("queue.dispatch.complete", "update_id", item.ID, "elapsed", elapsed, "queued_for", started.Sub(item.EnqueuedAt))
}

// awaitActive reports whether the item may be dispatched, holding it for
// up to PassiveHold while passive.
func (m *Manager) awaitActive(ctx context.Context) bool {
	if m.cfg.Gate.Active() {
		return true
	}
	if m.cfg.PassiveHold <= 0 {
		return false
	}
	expired := m.clock.After(m.cfg.PassiveHold)
	for {
		changed := m.cfg.Gate.Changed()
		if m.cfg.Gate.Active() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-expired:
			return m.cfg.Gate.Active()
		case <-changed:
		}
	}
}

// dispatch runs the handler in its own goroutine so the timeout binds even
// when the handler ignores its context.
func (m *Manager) dispatch(parent context.Context, logger pslog.Logger, item Item) error {
	ctx, cancel := context.WithTimeout(parent, m.cfg.DispatchTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("queue.dispatch.panic", "update_id", item.ID, "panic", r, "stack", string(debug.Stack()))
				done <- fmt.Errorf("updatequeue: dispatch panic: %v", r)
			}
		}()
		done <- m.cfg.Dispatcher.Dispatch(ctx, item, m.cfg.Sender)
	}()

	slow := time.NewTimer(m.cfg.SlowThreshold)
	defer slow.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-slow.C:
			logger.Warn("queue.dispatch.slow", "update_id", item.ID, "kind", item.Update.Kind(), "threshold", m.cfg.SlowThreshold)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errDispatchTimeout
			}
			return ctx.Err()
		}
	}
}
