package sqlstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"pkt.systems/tandem/internal/clock"
	"pkt.systems/tandem/internal/storage"
	"pkt.systems/tandem/internal/storage/storagetest"
)

func openSQLite(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "tandem.db") + "?_busy_timeout=5000"
	store, err := Open(context.Background(), Config{Dialect: DialectSQLite, DSN: dsn, Clock: clk})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestSQLiteContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, clk clock.Clock) storage.Backend {
		return openSQLite(t, clk)
	})
}

func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("TANDEM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TANDEM_TEST_POSTGRES_DSN not set")
	}
	storagetest.Run(t, func(t *testing.T, clk clock.Clock) storage.Backend {
		ctx := context.Background()
		store, err := Open(ctx, Config{Dialect: DialectPostgres, DSN: dsn, Clock: clk})
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		for _, table := range []string{"tandem_delivery_locks", "tandem_jobs", "tandem_accounts", "tandem_ledger_holds"} {
			if _, err := store.DB().ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				t.Fatalf("reset %s: %v", table, err)
			}
		}
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		return store
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := openSQLite(t, nil)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if store.Dialect() != DialectSQLite {
		t.Fatalf("unexpected dialect %q", store.Dialect())
	}
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	if _, err := Open(context.Background(), Config{Dialect: "oracle"}); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}

func TestClassify(t *testing.T) {
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	if !storage.IsTransient(classify(busy)) {
		t.Fatal("sqlite busy must be transient")
	}
	dup := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}
	if !errors.Is(classify(dup), storage.ErrExists) {
		t.Fatal("sqlite primary key violation must map to ErrExists")
	}
	if !storage.IsTransient(classify(&pq.Error{Code: "08006"})) {
		t.Fatal("pq connection failure must be transient")
	}
	if !errors.Is(classify(&pq.Error{Code: "23505"}), storage.ErrExists) {
		t.Fatal("pq unique violation must map to ErrExists")
	}
	if storage.IsTransient(classify(&pq.Error{Code: "42P01"})) {
		t.Fatal("undefined table is not transient")
	}
	if classify(nil) != nil {
		t.Fatal("nil stays nil")
	}
}
