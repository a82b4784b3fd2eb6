package advisory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uptrace/bun"

	"pkt.systems/tandem/internal/clock"
)

type heartbeatRow struct {
	bun.BaseModel `bun:"table:tandem_lock_heartbeats,alias:hb"`

	LockKey         int64  `bun:"lock_key,pk"`
	Holder          string `bun:"holder,notnull"`
	BackendPID      int64  `bun:"backend_pid,notnull"`
	AcquiredAtMs    int64  `bun:"acquired_at_ms,notnull"`
	HeartbeatAtMs   int64  `bun:"heartbeat_at_ms,notnull"`
	TakeoverFrom    string `bun:"takeover_from,notnull"`
	TakeoverAtMs    int64  `bun:"takeover_at_ms,notnull"`
	TakeoverStaleMs int64  `bun:"takeover_stale_ms,notnull"`
}

// Postgres holds a session-level pg_advisory_lock on a dedicated connection.
// The lock lives exactly as long as that session; a heartbeat row mirrors
// the holder for diagnostics and takeover reporting.
type Postgres struct {
	db     *bun.DB
	key    int64
	holder string
	clock  clock.Clock

	// opMu serialises session operations, which may wait out an acquire
	// timeout. mu guards the session snapshot; conn and acquiredAt are
	// written with both held.
	opMu       sync.Mutex
	mu         sync.Mutex
	conn       *bun.Conn
	acquiredAt time.Time
}

// NewPostgres returns an advisory locker for identity owned by holder.
func NewPostgres(db *bun.DB, identity, holder string, clk clock.Clock) *Postgres {
	return &Postgres{
		db:     db,
		key:    Key(identity),
		holder: holder,
		clock:  clock.Or(clk),
	}
}

// Migrate creates the heartbeat table when missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.NewCreateTable().Model((*heartbeatRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("advisory: create heartbeat table: %w", err)
	}
	return nil
}

func (p *Postgres) Holder() string { return p.holder }

func (p *Postgres) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if p.conn != nil {
		if err := p.refreshLocked(ctx); err == nil {
			return true, nil
		}
	}
	return acquireWithin(ctx, p.clock, timeout, p.tryAcquireLocked)
}

func (p *Postgres) tryAcquireLocked(ctx context.Context) (bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return false, unavailable(err)
	}
	var locked bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock(?)", p.key).Scan(&locked); err != nil {
		_ = conn.Close()
		return false, unavailable(err)
	}
	if !locked {
		_ = conn.Close()
		return false, nil
	}
	var pid int64
	if err := conn.QueryRowContext(ctx, "SELECT pg_backend_pid()").Scan(&pid); err != nil {
		p.unlockAndClose(conn)
		return false, unavailable(err)
	}
	now := p.clock.Now()
	if err := p.recordHolder(ctx, pid, now); err != nil {
		p.unlockAndClose(conn)
		return false, unavailable(err)
	}
	p.setSession(&conn, now)
	return true, nil
}

func (p *Postgres) setSession(conn *bun.Conn, at time.Time) {
	p.mu.Lock()
	p.conn = conn
	p.acquiredAt = at
	p.mu.Unlock()
}

// session reports whether this process holds the lock without waiting on
// an in-flight acquire.
func (p *Postgres) session() (bool, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil, p.acquiredAt
}

// recordHolder upserts the heartbeat row, noting a takeover when another
// holder's row was left behind.
func (p *Postgres) recordHolder(ctx context.Context, pid int64, now time.Time) error {
	row := &heartbeatRow{
		LockKey:       p.key,
		Holder:        p.holder,
		BackendPID:    pid,
		AcquiredAtMs:  now.UnixMilli(),
		HeartbeatAtMs: now.UnixMilli(),
	}
	prev := new(heartbeatRow)
	err := p.db.NewSelect().Model(prev).Where("lock_key = ?", p.key).Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	case prev.Holder != p.holder:
		row.TakeoverFrom = prev.Holder
		row.TakeoverAtMs = now.UnixMilli()
		row.TakeoverStaleMs = now.UnixMilli() - prev.HeartbeatAtMs
	default:
		row.TakeoverFrom = prev.TakeoverFrom
		row.TakeoverAtMs = prev.TakeoverAtMs
		row.TakeoverStaleMs = prev.TakeoverStaleMs
	}
	_, err = p.db.NewInsert().
		Model(row).
		On("CONFLICT (lock_key) DO UPDATE").
		Set("holder = EXCLUDED.holder").
		Set("backend_pid = EXCLUDED.backend_pid").
		Set("acquired_at_ms = EXCLUDED.acquired_at_ms").
		Set("heartbeat_at_ms = EXCLUDED.heartbeat_at_ms").
		Set("takeover_from = EXCLUDED.takeover_from").
		Set("takeover_at_ms = EXCLUDED.takeover_at_ms").
		Set("takeover_stale_ms = EXCLUDED.takeover_stale_ms").
		Exec(ctx)
	return err
}

func (p *Postgres) Refresh(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.refreshLocked(ctx)
}

func (p *Postgres) refreshLocked(ctx context.Context) error {
	if p.conn == nil {
		return ErrLockLost
	}
	if err := p.conn.PingContext(ctx); err != nil {
		_ = p.conn.Close()
		p.setSession(nil, time.Time{})
		return fmt.Errorf("%w: session ping: %v", ErrLockLost, err)
	}
	_, err := p.db.NewUpdate().
		Model((*heartbeatRow)(nil)).
		Set("heartbeat_at_ms = ?", p.clock.Now().UnixMilli()).
		Where("lock_key = ?", p.key).
		Where("holder = ?", p.holder).
		Exec(ctx)
	if err != nil {
		return unavailable(err)
	}
	return nil
}

func (p *Postgres) Release(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if p.conn == nil {
		return nil
	}
	conn := *p.conn
	p.setSession(nil, time.Time{})
	var unlocked bool
	err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock(?)", p.key).Scan(&unlocked)
	_ = conn.Close()
	if err != nil {
		return unavailable(err)
	}
	if _, err := p.db.NewDelete().
		Model((*heartbeatRow)(nil)).
		Where("lock_key = ?", p.key).
		Where("holder = ?", p.holder).
		Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (p *Postgres) unlockAndClose(conn bun.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock(?)", p.key)
	_ = conn.Close()
}

func (p *Postgres) DebugInfo(ctx context.Context) (State, error) {
	held, acquiredAt := p.session()
	st := State{Key: p.key, Backend: "postgres", Self: p.holder, HeldBySelf: held}
	if held {
		st.AcquiredAt = acquiredAt
	}
	row := new(heartbeatRow)
	err := p.db.NewSelect().Model(row).Where("lock_key = ?", p.key).Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return st, unavailable(err)
	default:
		now := p.clock.Now()
		st.Holder = row.Holder
		if !held {
			st.AcquiredAt = time.UnixMilli(row.AcquiredAtMs).UTC()
		}
		st.HeartbeatAge = now.Sub(time.UnixMilli(row.HeartbeatAtMs))
		if row.TakeoverFrom != "" {
			st.LastTakeover = &Takeover{
				At:             time.UnixMilli(row.TakeoverAtMs).UTC(),
				PreviousHolder: row.TakeoverFrom,
				NewHolder:      row.Holder,
				StaleFor:       time.Duration(row.TakeoverStaleMs) * time.Millisecond,
			}
		}
	}
	var idleSeconds sql.NullFloat64
	err = p.db.NewRaw(`
SELECT EXTRACT(EPOCH FROM (now() - a.state_change))
FROM pg_locks l
JOIN pg_stat_activity a ON a.pid = l.pid
WHERE l.locktype = 'advisory' AND l.granted AND l.objsubid = 1
  AND l.classid::bigint = ? AND l.objid::bigint = ?`,
		int64(uint32(uint64(p.key)>>32)), int64(uint32(uint64(p.key))),
	).Scan(ctx, &idleSeconds)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, unavailable(err)
	}
	if idleSeconds.Valid {
		st.Idle = time.Duration(idleSeconds.Float64 * float64(time.Second))
	}
	return st, nil
}

var _ Locker = (*Postgres)(nil)
