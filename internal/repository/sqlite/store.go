// Package sqlite is the single-file session store for offline lab
// deployments. It mirrors the PostgreSQL repositories method for method.
package sqlite

import (
	"context"
	"database/sql"
	"time"
)

// Store implements the session, catalog, student and result stores on one
// *sql.DB. The DB must be opened with a single connection (see
// database.OpenSQLite); every transaction then runs alone on the file.
type Store struct {
	db *sql.DB
}

// New wraps an open SQLite handle. Call InitSchema before first use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx. Code running inside a
// transaction must only use the tx: the pool has one connection.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func fromNullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
