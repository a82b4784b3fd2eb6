package advisory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"pkt.systems/tandem/internal/clock"
)

type leaseRow struct {
	bun.BaseModel `bun:"table:tandem_lock_leases,alias:ll"`

	LockKey         int64  `bun:"lock_key,pk"`
	Holder          string `bun:"holder,notnull"`
	AcquiredAtMs    int64  `bun:"acquired_at_ms,notnull"`
	HeartbeatAtMs   int64  `bun:"heartbeat_at_ms,notnull"`
	ExpiresAtMs     int64  `bun:"expires_at_ms,notnull"`
	TakeoverFrom    string `bun:"takeover_from,notnull"`
	TakeoverAtMs    int64  `bun:"takeover_at_ms,notnull"`
	TakeoverStaleMs int64  `bun:"takeover_stale_ms,notnull"`
}

// LeaseRow is a portable Locker built on a single lease row per key. A
// holder keeps the lease alive with Refresh; a competitor may take it over
// once it has not been refreshed for ttl.
type LeaseRow struct {
	db     *bun.DB
	key    int64
	holder string
	ttl    time.Duration
	clock  clock.Clock
}

// NewLeaseRow returns a lease-row locker for identity owned by holder.
func NewLeaseRow(db *bun.DB, identity, holder string, ttl time.Duration, clk clock.Clock) *LeaseRow {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &LeaseRow{
		db:     db,
		key:    Key(identity),
		holder: holder,
		ttl:    ttl,
		clock:  clock.Or(clk),
	}
}

// Migrate creates the lease table when missing.
func (l *LeaseRow) Migrate(ctx context.Context) error {
	if _, err := l.db.NewCreateTable().Model((*leaseRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("advisory: create lease table: %w", err)
	}
	return nil
}

func (l *LeaseRow) Holder() string { return l.holder }

func (l *LeaseRow) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	return acquireWithin(ctx, l.clock, timeout, l.tryAcquire)
}

func (l *LeaseRow) tryAcquire(ctx context.Context) (bool, error) {
	now := l.clock.Now()
	nowMs := now.UnixMilli()
	expires := now.Add(l.ttl).UnixMilli()
	row := &leaseRow{
		LockKey:       l.key,
		Holder:        l.holder,
		AcquiredAtMs:  nowMs,
		HeartbeatAtMs: nowMs,
		ExpiresAtMs:   expires,
	}
	res, err := l.db.NewInsert().Model(row).On("CONFLICT (lock_key) DO NOTHING").Exec(ctx)
	if err != nil {
		return false, unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	current, err := l.load(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, unavailable(err)
	}
	q := l.db.NewUpdate().
		Model((*leaseRow)(nil)).
		Set("heartbeat_at_ms = ?", nowMs).
		Set("expires_at_ms = ?", expires).
		Where("lock_key = ?", l.key).
		Where("holder = ?", current.Holder)
	switch {
	case current.Holder == l.holder:
	case current.ExpiresAtMs <= nowMs:
		q = q.Set("holder = ?", l.holder).
			Set("acquired_at_ms = ?", nowMs).
			Set("takeover_from = ?", current.Holder).
			Set("takeover_at_ms = ?", nowMs).
			Set("takeover_stale_ms = ?", nowMs-current.HeartbeatAtMs).
			Where("expires_at_ms <= ?", nowMs)
	default:
		return false, nil
	}
	res, err = q.Exec(ctx)
	if err != nil {
		return false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	return n == 1, nil
}

func (l *LeaseRow) Refresh(ctx context.Context) error {
	now := l.clock.Now()
	res, err := l.db.NewUpdate().
		Model((*leaseRow)(nil)).
		Set("heartbeat_at_ms = ?", now.UnixMilli()).
		Set("expires_at_ms = ?", now.Add(l.ttl).UnixMilli()).
		Where("lock_key = ?", l.key).
		Where("holder = ?", l.holder).
		Exec(ctx)
	if err != nil {
		return unavailable(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return unavailable(err)
	} else if n == 0 {
		return ErrLockLost
	}
	return nil
}

func (l *LeaseRow) Release(ctx context.Context) error {
	_, err := l.db.NewDelete().
		Model((*leaseRow)(nil)).
		Where("lock_key = ?", l.key).
		Where("holder = ?", l.holder).
		Exec(ctx)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (l *LeaseRow) DebugInfo(ctx context.Context) (State, error) {
	st := State{Key: l.key, Backend: "lease_row", Self: l.holder}
	row, err := l.load(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, unavailable(err)
	}
	now := l.clock.Now()
	st.Holder = row.Holder
	st.HeldBySelf = row.Holder == l.holder
	st.AcquiredAt = time.UnixMilli(row.AcquiredAtMs).UTC()
	st.HeartbeatAge = now.Sub(time.UnixMilli(row.HeartbeatAtMs))
	st.Idle = st.HeartbeatAge
	if row.TakeoverFrom != "" {
		st.LastTakeover = &Takeover{
			At:             time.UnixMilli(row.TakeoverAtMs).UTC(),
			PreviousHolder: row.TakeoverFrom,
			NewHolder:      row.Holder,
			StaleFor:       time.Duration(row.TakeoverStaleMs) * time.Millisecond,
		}
	}
	return st, nil
}

func (l *LeaseRow) load(ctx context.Context) (*leaseRow, error) {
	row := new(leaseRow)
	if err := l.db.NewSelect().Model(row).Where("lock_key = ?", l.key).Scan(ctx); err != nil {
		return nil, err
	}
	return row, nil
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

var _ Locker = (*LeaseRow)(nil)
