// Copyright 2026 The Tally Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

func testPool(t *testing.T, onConnect func(*sqlite.Conn) error) *Pool {
	t.Helper()
	pool, err := Open(Config{
		Path:      filepath.Join(t.TempDir(), "test.db"),
		PoolSize:  2,
		OnConnect: onConnect,
	})
	if err != nil {
		t.Fatalf("opening pool: %v", err)
	}
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("closing pool: %v", err)
		}
	})
	return pool
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Fatal("expected error for empty Path")
	}
}

func TestTakePut(t *testing.T) {
	pool := testPool(t, nil)

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if err := sqlitex.ExecuteTransient(conn, "SELECT 1", nil); err != nil {
		t.Fatalf("select: %v", err)
	}
	pool.Put(conn)
}

func TestOnConnectRunsSchema(t *testing.T) {
	pool := testPool(t, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, "CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT);", nil)
	})

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	defer pool.Put(conn)

	err = sqlitex.Execute(conn, "INSERT INTO kv (k, v) VALUES (?, ?)", &sqlitex.ExecOptions{
		Args: []any{"a", "b"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestForeignKeysEnforced(t *testing.T) {
	pool := testPool(t, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, `
			CREATE TABLE IF NOT EXISTS parent (id INTEGER PRIMARY KEY);
			CREATE TABLE IF NOT EXISTS child (
				id INTEGER PRIMARY KEY,
				parent_id INTEGER NOT NULL REFERENCES parent(id) ON DELETE CASCADE
			);
		`, nil)
	})

	ctx := context.Background()
	err := pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO child (id, parent_id) VALUES (1, 999)", nil)
	})
	if err == nil {
		t.Fatal("expected foreign key violation")
	}

	err = pool.Tx(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "INSERT INTO parent (id) VALUES (1)", nil); err != nil {
			return err
		}
		return sqlitex.Execute(conn, "INSERT INTO child (id, parent_id) VALUES (1, 1)", nil)
	})
	if err != nil {
		t.Fatalf("insert parent and child: %v", err)
	}

	err = pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM parent WHERE id = 1", nil)
	})
	if err != nil {
		t.Fatalf("delete parent: %v", err)
	}

	var childCount int
	err = pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COUNT(*) FROM child", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				childCount = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("count children: %v", err)
	}
	if childCount != 0 {
		t.Fatalf("child count = %d, want 0 after cascade", childCount)
	}
}

func TestTxRollsBackOnError(t *testing.T) {
	pool := testPool(t, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, "CREATE TABLE IF NOT EXISTS rows (id INTEGER PRIMARY KEY);", nil)
	})

	ctx := context.Background()
	boom := errors.New("boom")
	err := pool.Tx(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "INSERT INTO rows (id) VALUES (1)", nil); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("tx error = %v, want boom", err)
	}

	var count int
	err = pool.Tx(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COUNT(*) FROM rows", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0 after rollback", count)
	}
}
