package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/dbconfig"
)

// DB bundles a connection pool with the dialect it speaks.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects using cfg and verifies the connection.
func Open(ctx context.Context, cfg dbconfig.Config) (*DB, error) {
	dialect := Dialect(cfg.Driver)
	if dialect != Postgres && dialect != SQLite {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	conn, err := sql.Open(string(dialect), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	if dialect == SQLite {
		// a single writer avoids SQLITE_BUSY under the dispatcher's per-row commits
		conn.SetMaxOpenConns(1)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("driver", cfg.Driver).
		Str("database", cfg.Database).
		Msg("connected to database")

	return &DB{DB: conn, Dialect: dialect}, nil
}

// Wrap adopts an already opened pool, used by tests.
func Wrap(conn *sql.DB, dialect Dialect) *DB {
	return &DB{DB: conn, Dialect: dialect}
}

// Migrate applies the authoritative schema for the dialect. Statements are idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, SchemaSQL(d.Dialect)); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Querier is satisfied by *sql.DB, *sql.Tx and *DB.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
