package utils

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDB(context.Background(), DriverSQLite, "file:"+t.Name()+"?mode=memory&cache=shared", DBPoolConfig{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT NOT NULL)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	return db
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ($1, $2)`, "a", "1")
		return err
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	var v string
	if err := db.QueryRow(`SELECT v FROM kv WHERE k = $1`, "a").Scan(&v); err != nil {
		t.Fatalf("select: %v", err)
	}
	if v != "1" {
		t.Fatalf("expected committed value, got %q", v)
	}
}

func TestWithTx_RollbackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ($1, $2)`, "b", "2"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected rollback, found %d rows", n)
	}
}

func TestSQLiteDSN_MemoryIsShared(t *testing.T) {
	if got := SQLiteDSN(":memory:"); got != "file::memory:?cache=shared&_pragma=busy_timeout(5000)" {
		t.Fatalf("unexpected dsn %q", got)
	}
	if got := SQLiteDSN("/tmp/calls.db"); got == "" || got[:14] != "/tmp/calls.db?" {
		t.Fatalf("unexpected dsn %q", got)
	}
}

func TestHealthCheck(t *testing.T) {
	db := openTestDB(t)
	if err := HealthCheck(context.Background(), db, time.Second); err != nil {
		t.Fatalf("healthy db: %v", err)
	}
	_ = db.Close()
	if err := HealthCheck(context.Background(), db, time.Second); err == nil {
		t.Fatalf("closed db must fail the check")
	}
}
