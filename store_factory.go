package tandem

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/uptrace/bun"
	"pkt.systems/pslog"

	"pkt.systems/tandem/internal/advisory"
	"pkt.systems/tandem/internal/clock"
	"pkt.systems/tandem/internal/storage"
	loggingbackend "pkt.systems/tandem/internal/storage/logging"
	"pkt.systems/tandem/internal/storage/memory"
	"pkt.systems/tandem/internal/storage/retry"
	"pkt.systems/tandem/internal/storage/sqlstore"
)

// storeKind is the backend family selected by the store URL scheme.
type storeKind string

const (
	storeMemory   storeKind = "memory"
	storeSQLite   storeKind = "sqlite"
	storePostgres storeKind = "postgres"
)

// storeTarget is a parsed store URL.
type storeTarget struct {
	kind storeKind
	dsn  string
}

func parseStore(raw string) (storeTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return storeTarget{}, fmt.Errorf("parse store URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory", "mem", "":
		return storeTarget{kind: storeMemory}, nil
	case "sqlite", "sqlite3":
		path := u.Host + u.Path
		if u.Opaque != "" {
			path = u.Opaque
		}
		if path == "" {
			return storeTarget{}, fmt.Errorf("sqlite store missing path (expected sqlite:///abs/path.db or sqlite://rel.db)")
		}
		q := u.Query()
		if q.Get("_busy_timeout") == "" {
			q.Set("_busy_timeout", "5000")
		}
		if q.Get("_journal_mode") == "" {
			q.Set("_journal_mode", "WAL")
		}
		return storeTarget{kind: storeSQLite, dsn: "file:" + path + "?" + q.Encode()}, nil
	case "postgres", "postgresql":
		return storeTarget{kind: storePostgres, dsn: raw}, nil
	default:
		return storeTarget{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// openBackend opens the raw backend for cfg.Store. The bun database is
// returned for SQL backends so the leader lock can share it.
func openBackend(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Backend, *bun.DB, storeTarget, error) {
	target, err := parseStore(cfg.Store)
	if err != nil {
		return nil, nil, storeTarget{}, err
	}
	switch target.kind {
	case storeMemory:
		return memory.NewWithClock(clk), nil, target, nil
	case storeSQLite, storePostgres:
		dialect := sqlstore.DialectSQLite
		if target.kind == storePostgres {
			dialect = sqlstore.DialectPostgres
		}
		store, err := sqlstore.Open(ctx, sqlstore.Config{
			Dialect: dialect,
			DSN:     target.dsn,
			Clock:   clk,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, target, err
		}
		return store, store.DB(), target, nil
	}
	return nil, nil, target, fmt.Errorf("store kind %q not supported", target.kind)
}

// decorateBackend layers tracing/logging and transient retries over inner.
func decorateBackend(inner storage.Backend, cfg Config, logger pslog.Logger, clk clock.Clock) storage.Backend {
	storageLogger := logger.With("svc", "storage")
	backend := loggingbackend.Wrap(inner, storageLogger.With("layer", "backend"))
	return retry.Wrap(backend, storageLogger.With("layer", "retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
}

// newLocker picks the leader lock matching the store: the shared registry
// for memory, a lease row for sqlite and a session advisory lock for
// postgres.
func newLocker(target storeTarget, db *bun.DB, registry *advisory.Registry, cfg Config, clk clock.Clock) (advisory.Locker, error) {
	switch target.kind {
	case storeMemory:
		if registry == nil {
			registry = advisory.NewRegistry(clk, cfg.LockLeaseTTL)
		}
		return registry.Locker(cfg.DeploymentID, cfg.InstanceID), nil
	case storeSQLite:
		row := advisory.NewLeaseRow(db, cfg.DeploymentID, cfg.InstanceID, cfg.LockLeaseTTL, clk)
		return &migratingLocker{Locker: row, migrate: row.Migrate}, nil
	case storePostgres:
		pg := advisory.NewPostgres(db, cfg.DeploymentID, cfg.InstanceID, clk)
		return &migratingLocker{Locker: pg, migrate: pg.Migrate}, nil
	}
	return nil, fmt.Errorf("no leader lock for store kind %q", target.kind)
}

// migratingLocker creates the lock tables before the first acquire and
// keeps retrying on later acquires until that succeeds.
type migratingLocker struct {
	advisory.Locker
	migrate  func(context.Context) error
	migrated atomic.Bool
}

func (m *migratingLocker) Acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	if !m.migrated.Load() {
		if err := m.migrate(ctx); err != nil {
			return false, fmt.Errorf("%w: %v", advisory.ErrUnavailable, err)
		}
		m.migrated.Store(true)
	}
	return m.Locker.Acquire(ctx, timeout)
}
