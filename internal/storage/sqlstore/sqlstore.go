// Package sqlstore implements storage.Backend on bun, targeting SQLite
// (mattn/go-sqlite3) and PostgreSQL (lib/pq).
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/extra/bunotel"
	"pkt.systems/pslog"

	"pkt.systems/tandem/internal/clock"
	"pkt.systems/tandem/internal/storage"
	"pkt.systems/tandem/internal/svcfields"
)

// Dialect names accepted by Open.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Config describes how to open a SQL store.
type Config struct {
	Dialect      string
	DSN          string
	MaxOpenConns int
	Clock        clock.Clock
	Logger       pslog.Logger
}

// Store implements storage.Backend over a bun database.
type Store struct {
	db      *bun.DB
	dialect string
	clock   clock.Clock
	logger  pslog.Logger
}

// Open connects to the database described by cfg. The schema is not
// created until Migrate runs.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		driver string
		db     *bun.DB
	)
	switch strings.ToLower(cfg.Dialect) {
	case DialectSQLite:
		driver = "sqlite3"
	case DialectPostgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("sqlstore: unsupported dialect %q", cfg.Dialect)
	}
	sqldb, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	switch driver {
	case "sqlite3":
		// SQLite allows a single writer.
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	default:
		if cfg.MaxOpenConns > 0 {
			sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		db = bun.NewDB(sqldb, pgdialect.New())
	}
	db.AddQueryHook(bunotel.NewQueryHook(bunotel.WithDBName("tandem")))
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: ping %s: %w", driver, classify(err))
	}
	return New(db, cfg.Clock, cfg.Logger), nil
}

// New wraps an existing bun database.
func New(db *bun.DB, clk clock.Clock, logger pslog.Logger) *Store {
	name := DialectPostgres
	if db.Dialect().Name() == dialect.SQLite {
		name = DialectSQLite
	}
	return &Store{
		db:      db,
		dialect: name,
		clock:   clock.Or(clk),
		logger:  svcfields.WithSubsystem(logger, "storage.sql"),
	}
}

// DB exposes the underlying database so lock primitives can share the pool.
func (s *Store) DB() *bun.DB { return s.db }

// Dialect reports DialectSQLite or DialectPostgres.
func (s *Store) Dialect() string { return s.dialect }

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	models := []any{
		(*deliveryLockRow)(nil),
		(*jobRow)(nil),
		(*accountRow)(nil),
		(*holdRow)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("sqlstore: create table %T: %w", model, classify(err))
		}
	}
	if _, err := s.db.NewCreateIndex().
		Model((*deliveryLockRow)(nil)).
		Index("tandem_delivery_locks_delivered_idx").
		Column("delivered", "delivered_at_ms").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: create delivery index: %w", classify(err))
	}
	if _, err := s.db.NewCreateIndex().
		Model((*jobRow)(nil)).
		Index("tandem_jobs_user_idx").
		Column("user_id", "status").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("sqlstore: create job index: %w", classify(err))
	}
	s.logger.Debug("storage.sql.migrated", "dialect", s.dialect, "tables", len(models))
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) nowMillis() int64 {
	return toMillis(s.clock.Now())
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

var _ storage.Backend = (*Store)(nil)
