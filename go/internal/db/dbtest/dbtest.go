// Package dbtest opens throwaway SQLite databases loaded with the authoritative schema.
package dbtest

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/clowbot/clowbot/go/internal/db"
)

// Open returns an in-memory database with the schema applied. It is closed
// when the test finishes.
func Open(t testing.TB) *db.DB {
	t.Helper()

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	// every connection to :memory: is a separate database
	conn.SetMaxOpenConns(1)

	d := db.Wrap(conn, db.SQLite)
	if err := d.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})
	return d
}
