// Package store persists watch targets and operation records in SQLite or
// PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/fileaudit/internal/model"
	"github.com/tripwire/fileaudit/internal/pattern"
)

// SQLite is the embedded store. It is safe for concurrent use.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. ":memory:" opens a private
// in-memory database, which is lost on Close.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. A single connection avoids
	// "database is locked" errors and keeps ":memory:" databases shared
	// across calls.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS file_monitor_config (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    monitor_path     TEXT    NOT NULL,
    path_type        TEXT    NOT NULL,
    recursive        INTEGER NOT NULL DEFAULT 0,
    enabled          INTEGER NOT NULL DEFAULT 1,
    include_patterns TEXT    NOT NULL DEFAULT '',
    exclude_patterns TEXT    NOT NULL DEFAULT '',
    deleted          INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    updated_at       TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_file_monitor_config_live
    ON file_monitor_config (monitor_path, enabled, deleted);

CREATE TABLE IF NOT EXISTS file_operation_log (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id      TEXT    NOT NULL UNIQUE,
    file_path      TEXT    NOT NULL,
    operation_type TEXT    NOT NULL,
    content        TEXT,
    operator       TEXT    NOT NULL,
    operation_time TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_operation_log_path
    ON file_operation_log (file_path, id);
`

// ListEnabled returns every enabled, non-deleted target in path order.
func (s *SQLite) ListEnabled(ctx context.Context) ([]model.WatchTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT monitor_path, path_type, recursive, enabled, include_patterns, exclude_patterns
		 FROM   file_monitor_config
		 WHERE  enabled = 1 AND deleted = 0
		 ORDER  BY monitor_path, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list targets: %w", err)
	}
	defer rows.Close()

	var out []model.WatchTarget
	for rows.Next() {
		var (
			t                model.WatchTarget
			kind             string
			include, exclude string
		)
		if err := rows.Scan(&t.Path, &kind, &t.Recursive, &t.Enabled, &include, &exclude); err != nil {
			return nil, fmt.Errorf("store: scan target: %w", err)
		}
		t.Kind = model.PathKind(kind)
		t.Include = pattern.Split(include)
		t.Exclude = pattern.Split(exclude)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list targets: %w", err)
	}
	return out, nil
}

// Upsert updates the enabled, non-deleted row for t.Path or inserts a new
// one.
func (s *SQLite) Upsert(ctx context.Context, t model.WatchTarget) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	include, exclude := pattern.Join(t.Include), pattern.Join(t.Exclude)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := tx.ExecContext(ctx,
		`UPDATE file_monitor_config
		 SET    path_type = ?, recursive = ?, include_patterns = ?, exclude_patterns = ?, updated_at = ?
		 WHERE  monitor_path = ? AND enabled = 1 AND deleted = 0`,
		string(t.Kind), t.Recursive, include, exclude, now, t.Path)
	if err != nil {
		return fmt.Errorf("store: update target %q: %w", t.Path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file_monitor_config
			 (monitor_path, path_type, recursive, enabled, include_patterns, exclude_patterns, created_at, updated_at)
			 VALUES (?, ?, ?, 1, ?, ?, ?, ?)`,
			t.Path, string(t.Kind), t.Recursive, include, exclude, now, now); err != nil {
			return fmt.Errorf("store: insert target %q: %w", t.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit upsert %q: %w", t.Path, err)
	}
	return nil
}

// SoftDeleteUnder marks every live target at or below root as deleted.
// Subtree membership is decided with model.IsUnder so that a sibling sharing
// a name prefix is left alone.
func (s *SQLite) SoftDeleteUnder(ctx context.Context, root string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin soft-delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, monitor_path FROM file_monitor_config WHERE deleted = 0`)
	if err != nil {
		return 0, fmt.Errorf("store: scan targets for soft-delete: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var (
			id   int64
			path string
		)
		if err := rows.Scan(&id, &path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scan target: %w", err)
		}
		if model.IsUnder(root, path) {
			ids = append(ids, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("store: scan targets for soft-delete: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var n int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE file_monitor_config SET deleted = 1, updated_at = ? WHERE id = ? AND deleted = 0`, now, id)
		if err != nil {
			return 0, fmt.Errorf("store: soft-delete target %d: %w", id, err)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit soft-delete: %w", err)
	}
	return n, nil
}

// Write appends rec to the operation log. A record whose ID is already
// stored is ignored.
func (s *SQLite) Write(ctx context.Context, rec model.OperationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO file_operation_log
		 (record_id, file_path, operation_type, content, operator, operation_time)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Path, string(rec.Type), nullable(rec.Content), rec.Operator,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: write record %s: %w", rec.ID, err)
	}
	return nil
}

// Records returns up to limit operation records, newest first.
func (s *SQLite) Records(ctx context.Context, limit int) ([]model.OperationRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, file_path, operation_type, content, operator, operation_time
		 FROM   file_operation_log
		 ORDER  BY id DESC
		 LIMIT  ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query records: %w", err)
	}
	defer rows.Close()

	var out []model.OperationRecord
	for rows.Next() {
		var (
			r       model.OperationRecord
			typ     string
			content sql.NullString
			ts      string
		)
		if err := rows.Scan(&r.ID, &r.Path, &typ, &content, &r.Operator, &ts); err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		r.Type = model.OperationType(typ)
		r.Content = content.String
		r.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("store: parse time of record %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query records: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
