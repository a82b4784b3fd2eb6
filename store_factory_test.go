package tandem

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/tandem/internal/advisory"
)

func TestParseStore(t *testing.T) {
	cases := []struct {
		raw  string
		kind storeKind
		dsn  string
	}{
		{"mem://", storeMemory, ""},
		{"memory://", storeMemory, ""},
		{"", storeMemory, ""},
		{"sqlite:///var/lib/tandem.db", storeSQLite, "file:/var/lib/tandem.db?_busy_timeout=5000&_journal_mode=WAL"},
		{"sqlite://tandem.db", storeSQLite, "file:tandem.db?_busy_timeout=5000&_journal_mode=WAL"},
		{"sqlite3:///tmp/x.db?_journal_mode=DELETE", storeSQLite, "file:/tmp/x.db?_busy_timeout=5000&_journal_mode=DELETE"},
		{"postgres://u:p@db:5432/bot?sslmode=disable", storePostgres, "postgres://u:p@db:5432/bot?sslmode=disable"},
		{"postgresql://db/bot", storePostgres, "postgresql://db/bot"},
	}
	for _, tc := range cases {
		got, err := parseStore(tc.raw)
		if err != nil {
			t.Fatalf("parseStore(%q): %v", tc.raw, err)
		}
		if got.kind != tc.kind || got.dsn != tc.dsn {
			t.Fatalf("parseStore(%q) = %+v, want kind=%s dsn=%q", tc.raw, got, tc.kind, tc.dsn)
		}
	}
	for _, raw := range []string{"sqlite://", "redis://localhost"} {
		if _, err := parseStore(raw); err == nil {
			t.Fatalf("parseStore(%q) expected error", raw)
		}
	}
}

type flakyLocker struct {
	advisory.Locker
	acquires int
}

func (f *flakyLocker) Acquire(context.Context, time.Duration) (bool, error) {
	f.acquires++
	return true, nil
}

func TestMigratingLockerSurfacesUnavailable(t *testing.T) {
	inner := &flakyLocker{}
	failures := 1
	migrations := 0
	locker := &migratingLocker{Locker: inner, migrate: func(context.Context) error {
		migrations++
		if failures > 0 {
			failures--
			return errors.New("no such table")
		}
		return nil
	}}
	ctx := context.Background()
	if _, err := locker.Acquire(ctx, 0); !errors.Is(err, advisory.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if inner.acquires != 0 {
		t.Fatalf("inner acquire ran before migration")
	}
	for i := 0; i < 2; i++ {
		ok, err := locker.Acquire(ctx, 0)
		if err != nil || !ok {
			t.Fatalf("acquire: ok=%v err=%v", ok, err)
		}
	}
	if migrations != 2 {
		t.Fatalf("migrations = %d, want 2", migrations)
	}
	if inner.acquires != 2 {
		t.Fatalf("inner acquires = %d, want 2", inner.acquires)
	}
}

func TestSQLiteStoreServesLeaderAndStorage(t *testing.T) {
	dir := t.TempDir()
	ts := StartTestServer(t, WithTestConfigFunc(func(cfg *Config) {
		cfg.Store = "sqlite://" + filepath.Join(dir, "tandem.db")
	}))
	waitFor(t, 5*time.Second, "activation on sqlite", func() bool { return ts.Server.State().Active() })
	if !ts.Server.SchemaReady() {
		t.Fatalf("schema not migrated")
	}
	ctx := context.Background()
	if err := ts.Server.Backend().Credit(ctx, 1, 10); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if bal, err := ts.Server.Backend().Balance(ctx, 1); err != nil || bal != 10 {
		t.Fatalf("balance = %d err=%v", bal, err)
	}
}
