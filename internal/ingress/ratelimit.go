package ingress

import (
	"container/list"
	"sync"
	"time"

	"pkt.systems/tandem/internal/clock"
)

const (
	DefaultRateLimit  = 5
	DefaultRateWindow = time.Second
	DefaultMaxSources = 10000
)

type rateEntry struct {
	source      string
	windowStart time.Time
	lastSeen    time.Time
	count       int
}

// RateLimiter is a fixed-window, per-source request counter. Sources are
// kept in least-recently-active order so the table can be capped and pruned
// from the cold end.
type RateLimiter struct {
	clock clock.Clock

	mu         sync.Mutex
	limit      int
	window     time.Duration
	maxSources int
	entries    map[string]*list.Element
	order      *list.List
	lastPrune  time.Time
}

// NewRateLimiter allows limit requests per window for each source and
// tracks at most maxSources sources.
func NewRateLimiter(limit int, window time.Duration, maxSources int, clk clock.Clock) *RateLimiter {
	r := &RateLimiter{
		clock:   clock.Or(clk),
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
	r.configure(limit, window, maxSources)
	r.lastPrune = r.clock.Now()
	return r
}

// SetLimits swaps thresholds in place; existing windows keep their counts.
func (r *RateLimiter) SetLimits(limit int, window time.Duration, maxSources int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configure(limit, window, maxSources)
	r.evictOverflow()
}

func (r *RateLimiter) configure(limit int, window time.Duration, maxSources int) {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	if maxSources <= 0 {
		maxSources = DefaultMaxSources
	}
	r.limit, r.window, r.maxSources = limit, window, maxSources
}

// Allow counts one request from source and reports whether it is within
// the current window's budget.
func (r *RateLimiter) Allow(source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	if now.Sub(r.lastPrune) >= r.window {
		r.prune(now)
	}
	if el, ok := r.entries[source]; ok {
		e := el.Value.(*rateEntry)
		if now.Sub(e.windowStart) >= r.window {
			e.windowStart = now
			e.count = 0
		}
		e.count++
		e.lastSeen = now
		r.order.MoveToFront(el)
		return e.count <= r.limit
	}
	r.entries[source] = r.order.PushFront(&rateEntry{source: source, windowStart: now, lastSeen: now, count: 1})
	r.evictOverflow()
	return true
}

// Len reports the number of tracked sources.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}

// prune drops sources idle for longer than two windows.
func (r *RateLimiter) prune(now time.Time) {
	r.lastPrune = now
	for el := r.order.Back(); el != nil; el = r.order.Back() {
		e := el.Value.(*rateEntry)
		if now.Sub(e.lastSeen) < 2*r.window {
			return
		}
		r.remove(el)
	}
}

func (r *RateLimiter) evictOverflow() {
	for r.order.Len() > r.maxSources {
		r.remove(r.order.Back())
	}
}

func (r *RateLimiter) remove(el *list.Element) {
	delete(r.entries, el.Value.(*rateEntry).source)
	r.order.Remove(el)
}
