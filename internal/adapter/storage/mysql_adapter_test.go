package storage

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	_ "github.com/go-sql-driver/mysql"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/zonecore?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	return db
}

func resetMySQLKey(t *testing.T, db *sql.DB, key string) {
	t.Helper()
	if _, err := db.ExecContext(context.Background(),
		`DELETE FROM zone_inventory WHERE record_key = ?`, key); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
}

func TestMySQLGet_Unseen(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewMySQLStore(db)

	resetMySQLKey(t, db, "inv:mysql-test:unseen")

	quantity, version, err := store.Get(ctx, "inv:mysql-test:unseen")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quantity != 0 || version != 0 {
		t.Errorf("expected (0, 0) for unseen key, got (%d, %d)", quantity, version)
	}
}

func TestMySQLConditionalPut_FirstWrite(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewMySQLStore(db)
	key := "inv:mysql-test:first"

	resetMySQLKey(t, db, key)

	ok, err := store.ConditionalPut(ctx, key, 100, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected first write to succeed")
	}

	quantity, version, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quantity != 100 || version != 1 {
		t.Errorf("expected (100, 1), got (%d, %d)", quantity, version)
	}

	// A replayed first write must be rejected, not double-applied.
	ok, err = store.ConditionalPut(ctx, key, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected replayed first write to be rejected")
	}
}

func TestMySQLConditionalPut_VersionConflict(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewMySQLStore(db)
	key := "inv:mysql-test:conflict"

	resetMySQLKey(t, db, key)

	if ok, err := store.ConditionalPut(ctx, key, 100, 0); err != nil || !ok {
		t.Fatalf("seed write failed: ok=%v err=%v", ok, err)
	}

	// Stale expected version: the row is already at version 1.
	ok, err := store.ConditionalPut(ctx, key, 200, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected stale put to be rejected")
	}

	ok, err = store.ConditionalPut(ctx, key, 200, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected put with current version to succeed")
	}

	quantity, version, _ := store.Get(ctx, key)
	if quantity != 200 || version != 2 {
		t.Errorf("expected (200, 2), got (%d, %d)", quantity, version)
	}
}

func TestMySQLConditionalPut_Concurrent(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewMySQLStore(db)
	key := "inv:mysql-test:concurrent"

	resetMySQLKey(t, db, key)

	if ok, err := store.ConditionalPut(ctx, key, 100, 0); err != nil || !ok {
		t.Fatalf("seed write failed: ok=%v err=%v", ok, err)
	}

	// All writers race with the same expected version; exactly one may win.
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			ok, err := store.ConditionalPut(ctx, key, 100+n, 1)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				winners.Add(1)
			}
		}(int64(i))
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners.Load())
	}

	_, version, _ := store.Get(ctx, key)
	if version != 2 {
		t.Errorf("expected version 2 after one committed round, got %d", version)
	}
}
