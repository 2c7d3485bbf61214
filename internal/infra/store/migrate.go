package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate brings the schema up to date. For the embedded (SQLite) backend
// the migration files are native goose/SQLite syntax, so goose drives
// them directly with its own version-tracking table. For the networked
// (PostgreSQL) backend the same files are rewritten through AdaptSchema
// (autoincrement/boolean/timestamp-default translation) and applied with
// a minimal version table of our own, since goose's SQL parser does not
// offer a hook to transform statement text before executing it.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	if dialect == DialectSQLite {
		goose.SetBaseFS(migrationFS)
		if err := goose.SetDialect("sqlite3"); err != nil {
			return fmt.Errorf("store: goose dialect: %w", err)
		}
		return goose.UpContext(ctx, db, "migrations")
	}
	return migratePostgres(ctx, db)
}

func migratePostgres(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id TEXT PRIMARY KEY, applied_at TIMESTAMP DEFAULT NOW())`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("store: read migrations dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		var applied int
		if err := db.QueryRowContext(ctx, Rewrite(DialectPostgres,
			"SELECT COUNT(*) FROM schema_migrations WHERE id = ?"), name).Scan(&applied); err != nil {
			return fmt.Errorf("store: check migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", name, err)
		}
		up := extractGooseUp(string(raw))
		adapted := AdaptSchema(DialectPostgres, up)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration tx: %w", err)
		}
		for _, stmt := range splitStatements(adapted) {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("store: apply migration %s: %w", name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, Rewrite(DialectPostgres,
			"INSERT INTO schema_migrations (id) VALUES (?)"), name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %s: %w", name, err)
		}
	}
	return nil
}

// extractGooseUp returns the body between "-- +goose Up" and
// "-- +goose Down" markers.
func extractGooseUp(content string) string {
	const upMarker = "-- +goose Up"
	const downMarker = "-- +goose Down"
	start := strings.Index(content, upMarker)
	if start < 0 {
		return content
	}
	start += len(upMarker)
	body := content[start:]
	if end := strings.Index(body, downMarker); end >= 0 {
		body = body[:end]
	}
	return body
}

func splitStatements(sqlText string) []string {
	return strings.Split(sqlText, ";")
}
