package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/fileaudit/internal/model"
	"github.com/tripwire/fileaudit/internal/pattern"
)

// Postgres is the PostgreSQL-backed store. The schema is applied on open;
// every statement runs directly against the pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a pgxpool connection to connStr, pings the database,
// and applies the schema.
func OpenPostgres(ctx context.Context, connStr string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

const postgresDDL = `
CREATE TABLE IF NOT EXISTS file_monitor_config (
    id               BIGSERIAL   PRIMARY KEY,
    monitor_path     TEXT        NOT NULL,
    path_type        TEXT        NOT NULL,
    recursive        BOOLEAN     NOT NULL DEFAULT FALSE,
    enabled          BOOLEAN     NOT NULL DEFAULT TRUE,
    include_patterns TEXT        NOT NULL DEFAULT '',
    exclude_patterns TEXT        NOT NULL DEFAULT '',
    deleted          BOOLEAN     NOT NULL DEFAULT FALSE,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_file_monitor_config_live
    ON file_monitor_config (monitor_path) WHERE enabled AND NOT deleted;

CREATE TABLE IF NOT EXISTS file_operation_log (
    id             BIGSERIAL   PRIMARY KEY,
    record_id      UUID        NOT NULL UNIQUE,
    file_path      TEXT        NOT NULL,
    operation_type TEXT        NOT NULL,
    content        TEXT,
    operator       TEXT        NOT NULL,
    operation_time TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_operation_log_path
    ON file_operation_log (file_path, id);
`

// ListEnabled returns every enabled, non-deleted target in path order.
func (p *Postgres) ListEnabled(ctx context.Context) ([]model.WatchTarget, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT monitor_path, path_type, recursive, enabled, include_patterns, exclude_patterns
		FROM   file_monitor_config
		WHERE  enabled AND NOT deleted
		ORDER  BY monitor_path, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list targets: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.WatchTarget, error) {
		var (
			t                model.WatchTarget
			kind             string
			include, exclude string
		)
		if err := row.Scan(&t.Path, &kind, &t.Recursive, &t.Enabled, &include, &exclude); err != nil {
			return t, err
		}
		t.Kind = model.PathKind(kind)
		t.Include = pattern.Split(include)
		t.Exclude = pattern.Split(exclude)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list targets: %w", err)
	}
	return out, nil
}

// Upsert updates the enabled, non-deleted row for t.Path or inserts a new
// one.
func (p *Postgres) Upsert(ctx context.Context, t model.WatchTarget) error {
	include, exclude := pattern.Join(t.Include), pattern.Join(t.Exclude)
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE file_monitor_config
			SET    path_type = $2, recursive = $3, include_patterns = $4, exclude_patterns = $5, updated_at = now()
			WHERE  monitor_path = $1 AND enabled AND NOT deleted`,
			t.Path, string(t.Kind), t.Recursive, include, exclude)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO file_monitor_config
			       (monitor_path, path_type, recursive, enabled, include_patterns, exclude_patterns)
			VALUES ($1, $2, $3, TRUE, $4, $5)`,
			t.Path, string(t.Kind), t.Recursive, include, exclude)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: upsert target %q: %w", t.Path, err)
	}
	return nil
}

// SoftDeleteUnder marks every live target at or below root as deleted.
func (p *Postgres) SoftDeleteUnder(ctx context.Context, root string) (int64, error) {
	prefix := root
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE file_monitor_config
		SET    deleted = TRUE, updated_at = now()
		WHERE  NOT deleted AND (monitor_path = $1 OR starts_with(monitor_path, $2))`,
		root, prefix)
	if err != nil {
		return 0, fmt.Errorf("store: soft-delete under %q: %w", root, err)
	}
	return tag.RowsAffected(), nil
}

// Write appends rec to the operation log. A record whose ID is already
// stored is ignored.
func (p *Postgres) Write(ctx context.Context, rec model.OperationRecord) error {
	content := pgtype.Text{String: rec.Content, Valid: rec.Content != ""}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO file_operation_log
		       (record_id, file_path, operation_type, content, operator, operation_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (record_id) DO NOTHING`,
		rec.ID, rec.Path, string(rec.Type), content, rec.Operator, rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("store: write record %s: %w", rec.ID, err)
	}
	return nil
}

// Records returns up to limit operation records, newest first.
func (p *Postgres) Records(ctx context.Context, limit int) ([]model.OperationRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
		SELECT record_id::text, file_path, operation_type, content, operator, operation_time
		FROM   file_operation_log
		ORDER  BY id DESC
		LIMIT  $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query records: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.OperationRecord, error) {
		var (
			r       model.OperationRecord
			typ     string
			content pgtype.Text
			ts      time.Time
		)
		if err := row.Scan(&r.ID, &r.Path, &typ, &content, &r.Operator, &ts); err != nil {
			return r, err
		}
		r.Type = model.OperationType(typ)
		r.Content = content.String
		r.Timestamp = ts.UTC()
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: query records: %w", err)
	}
	return out, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
