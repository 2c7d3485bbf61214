// Package store is the persistence layer (C1): one logical interface over
// two relational backends — an embedded file (SQLite) and a networked
// server (PostgreSQL) — sharing an identical schema except for
// autoincrement and timestamp-default syntax. Callers always write SQL
// with positional "?" placeholders; the networked backend's placeholder
// is rewritten at the edge. All timestamps are persisted UTC: the
// networked backend stores a native timestamp, the embedded backend
// stores an ISO-8601 string, and TimeValue below picks the right shape
// for whichever backend is active.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Dialect names the two supported backends.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectPostgres Dialect = "postgresql"
)

// Backend is the persistence-layer contract every domain package depends
// on. It never leaks *sql.DB or dialect-specific types to callers.
type Backend interface {
	Dialect() Dialect
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx is the transactional view of Backend; short-lived, one ingest or one
// mutation per transaction.
type Tx interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// sqlBackend adapts a database/sql pool to Backend, rewriting "?"
// placeholders to "$N" only when the dialect requires it.
type sqlBackend struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the backend named by dialect. For DialectSQLite, dsn is
// a file path; for DialectPostgres, dsn is a connection URL.
func Open(dialect Dialect, driverName, dsn string) (Backend, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// A single *sql.DB handle serializes writes against one SQLite
		// file; avoid connection-pool contention across goroutines.
		db.SetMaxOpenConns(1)
	}
	return &sqlBackend{db: db, dialect: dialect}, nil
}

func (b *sqlBackend) Dialect() Dialect { return b.dialect }

func (b *sqlBackend) rewrite(query string) string { return Rewrite(b.dialect, query) }

func (b *sqlBackend) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.db.ExecContext(ctx, b.rewrite(query), args...)
}

func (b *sqlBackend) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return b.db.QueryRowContext(ctx, b.rewrite(query), args...)
}

func (b *sqlBackend) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return b.db.QueryContext(ctx, b.rewrite(query), args...)
}

func (b *sqlBackend) Close() error { return b.db.Close() }

// WithTx runs fn inside a short-lived transaction, committing on success
// and rolling back on error or panic.
func (b *sqlBackend) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	t := &sqlTx{tx: sqlTx, dialect: b.dialect}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx      *sql.Tx
	dialect Dialect
}

func (t *sqlTx) rewrite(query string) string { return Rewrite(t.dialect, query) }

func (t *sqlTx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.rewrite(query), args...)
}

func (t *sqlTx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.rewrite(query), args...)
}

func (t *sqlTx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.rewrite(query), args...)
}

// Rewrite translates "?" positional placeholders to "$1", "$2", ... for
// the networked backend; the embedded backend's driver accepts "?"
// natively, so it passes through unchanged. This is the single sanitizer
// the design notes call for, replacing a scattered "if DB_TYPE ==
// postgresql" at every call site.
func Rewrite(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	inLiteral := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inLiteral = !inLiteral
			b.WriteByte(c)
			continue
		}
		if c == '?' && !inLiteral {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// AdaptSchema rewrites the autoincrement/boolean/timestamp-default clauses
// of a CREATE TABLE statement written in SQLite syntax into the
// PostgreSQL equivalent, mirroring original_source/database.py's
// _adapt_sql_for_db. Schema migrations are authored once in SQLite form
// and passed through this for the networked backend.
func AdaptSchema(dialect Dialect, ddl string) string {
	if dialect != DialectPostgres {
		return ddl
	}
	out := strings.ReplaceAll(ddl, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
	out = strings.ReplaceAll(out, "AUTOINCREMENT", "")
	out = strings.ReplaceAll(out, "TIMESTAMP DEFAULT CURRENT_TIMESTAMP", "TIMESTAMP DEFAULT NOW()")
	out = strings.ReplaceAll(out, "BOOLEAN DEFAULT FALSE", "BOOLEAN DEFAULT FALSE")
	return out
}

// TimeValue returns the value a caller should bind for "now" in a query,
// in whichever shape the active dialect expects: a native time.Time for
// the networked backend, an ISO-8601 string for the embedded backend.
// This is the "backend-sniff" the persistence design calls for instead of
// branching at every call site.
func TimeValue(dialect Dialect, t time.Time) any {
	if dialect == DialectPostgres {
		return t.UTC()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// IsUniqueViolation reports whether err is a unique-constraint violation
// from either backend driver. Checked by string content rather than a
// driver-specific error type so this package stays independent of the
// two driver imports, which callers register via blank import at the
// process entrypoint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// ClaimNext atomically claims one pending task-queue row for worker,
// implemented differently per backend: SQLite relies on the single
// writer connection for serialization, PostgreSQL uses SELECT ... FOR
// UPDATE SKIP LOCKED. Returns the claimed row id, or 0 if nothing was
// pending.
func ClaimNext(ctx context.Context, b Backend, now time.Time, leaseExpires time.Time, worker string) (int64, error) {
	var id int64
	err := b.WithTx(ctx, func(tx Tx) error {
		var query string
		switch b.Dialect() {
		case DialectPostgres:
			query = `SELECT id FROM task_queue WHERE status = 'pending' AND next_attempt_at <= ?
				ORDER BY id LIMIT 1 FOR UPDATE SKIP LOCKED`
		default:
			query = `SELECT id FROM task_queue WHERE status = 'pending' AND next_attempt_at <= ?
				ORDER BY id LIMIT 1`
		}
		row := tx.QueryRow(ctx, query, TimeValue(b.Dialect(), now))
		if err := row.Scan(&id); err != nil {
			if err == sql.ErrNoRows {
				id = 0
				return nil
			}
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE task_queue SET status = 'leased', leased_by = ?,
			lease_expires_at = ?, attempts = attempts + 1 WHERE id = ?`,
			worker, TimeValue(b.Dialect(), leaseExpires), id)
		return err
	})
	return id, err
}
