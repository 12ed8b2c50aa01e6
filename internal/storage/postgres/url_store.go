// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jiang10061/image-downloader/internal/clock/system"
	"github.com/jiang10061/image-downloader/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable  = "images"
	selectColumns = "url, fetch_url, path, status, retry_count, resume_offset, last_error, hash, run_id, created_at, updated_at"
)

// Config controls the Postgres connection pool used for URL records.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	AutoMigrate     bool
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// URLStore persists URL records in Postgres.
type URLStore struct {
	pool  pool
	table string
	clock harvest.Clock
}

var _ harvest.Store = (*URLStore)(nil)

// NewURLStore connects to Postgres using cfg and optionally creates the table.
func NewURLStore(ctx context.Context, cfg Config) (*URLStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db_config.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &URLStore{pool: p, table: table, clock: system.New()}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewURLStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewURLStoreWithPool(p pool, table string, clock harvest.Clock) (*URLStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = system.New()
	}
	return &URLStore{pool: p, table: name, clock: clock}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// EnsureSchema creates the records table when missing.
func (s *URLStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	url           TEXT PRIMARY KEY,
	fetch_url     TEXT NOT NULL DEFAULT '',
	path          TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL CHECK (status IN ('pending','downloading','completed','failed','blocked','invalid')),
	retry_count   INTEGER NOT NULL DEFAULT 0,
	resume_offset BIGINT NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	hash          TEXT NOT NULL DEFAULT '',
	run_id        TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (status)`, s.table)
	if _, err := s.pool.Exec(ctx, index); err != nil {
		return fmt.Errorf("create status index: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *URLStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ExistsCompleted reports whether url is recorded as completed.
func (s *URLStore) ExistsCompleted(ctx context.Context, url string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE url = $1 AND status = 'completed')`, s.table)
	var exists bool
	if err := s.pool.QueryRow(ctx, query, url).Scan(&exists); err != nil {
		return false, fmt.Errorf("check completed: %w", err)
	}
	return exists, nil
}

// MarkDownloading atomically claims url for runID.
func (s *URLStore) MarkDownloading(ctx context.Context, url, fetchURL, runID string) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (url, fetch_url, status, run_id, created_at, updated_at)
VALUES ($1, $2, 'downloading', $3, $4, $4)
ON CONFLICT (url) DO UPDATE SET
	status = 'downloading',
	fetch_url = EXCLUDED.fetch_url,
	run_id = EXCLUDED.run_id,
	updated_at = EXCLUDED.updated_at
WHERE %[1]s.status = 'pending'
	OR (%[1]s.status IN ('failed','downloading') AND %[1]s.run_id <> EXCLUDED.run_id)
RETURNING url`, s.table)
	var claimed string
	err := s.pool.QueryRow(ctx, query, url, fetchURL, runID, s.clock.Now()).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim url: %w", err)
	}
	return true, nil
}

// RecordRetry increments retry_count and stores the error text.
func (s *URLStore) RecordRetry(ctx context.Context, url, errText string) error {
	query := fmt.Sprintf(`
UPDATE %s SET retry_count = retry_count + 1, last_error = $2, updated_at = $3
WHERE url = $1 AND status <> 'completed'`, s.table)
	tag, err := s.pool.Exec(ctx, query, url, errText, s.clock.Now())
	if err != nil {
		return fmt.Errorf("record retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record retry %s: %w", url, harvest.ErrNotFound)
	}
	return nil
}

// RecordOutcome upserts the final status without downgrading a completed row.
func (s *URLStore) RecordOutcome(ctx context.Context, url string, outcome harvest.Outcome) error {
	if !outcome.Status.Valid() {
		return fmt.Errorf("record outcome %s: invalid status %q", url, outcome.Status)
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (url, path, status, last_error, hash, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (url) DO UPDATE SET
	path = EXCLUDED.path,
	status = EXCLUDED.status,
	last_error = EXCLUDED.last_error,
	hash = EXCLUDED.hash,
	resume_offset = CASE WHEN EXCLUDED.status = 'failed' THEN %[1]s.resume_offset ELSE 0 END,
	updated_at = EXCLUDED.updated_at
WHERE %[1]s.status <> 'completed' OR EXCLUDED.status = 'completed'`, s.table)
	_, err := s.pool.Exec(ctx, query,
		url,
		outcome.LocalPath,
		string(outcome.Status),
		outcome.ErrorText(),
		outcome.Hash,
		s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// GetResumeOffset returns the checkpointed byte offset, or 0 when unknown.
func (s *URLStore) GetResumeOffset(ctx context.Context, url string) (int64, error) {
	query := fmt.Sprintf(`SELECT resume_offset FROM %s WHERE url = $1`, s.table)
	var offset int64
	err := s.pool.QueryRow(ctx, query, url).Scan(&offset)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get resume offset: %w", err)
	}
	return offset, nil
}

// UpdateResumeOffset checkpoints a transfer in progress.
func (s *URLStore) UpdateResumeOffset(ctx context.Context, url string, offset int64) error {
	query := fmt.Sprintf(`
UPDATE %s SET resume_offset = $2, updated_at = $3
WHERE url = $1 AND status = 'downloading'`, s.table)
	if _, err := s.pool.Exec(ctx, query, url, offset, s.clock.Now()); err != nil {
		return fmt.Errorf("update resume offset: %w", err)
	}
	return nil
}

// Get returns the record for url.
func (s *URLStore) Get(ctx context.Context, url string) (harvest.URLRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE url = $1`, selectColumns, s.table)
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, url))
	if errors.Is(err, pgx.ErrNoRows) {
		return harvest.URLRecord{}, harvest.ErrNotFound
	}
	if err != nil {
		return harvest.URLRecord{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// List returns every record ordered by URL.
func (s *URLStore) List(ctx context.Context) ([]harvest.URLRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY url`, selectColumns, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []harvest.URLRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (harvest.URLRecord, error) {
	var (
		rec    harvest.URLRecord
		status string
	)
	if err := row.Scan(
		&rec.URL,
		&rec.FetchURL,
		&rec.LocalPath,
		&status,
		&rec.RetryCount,
		&rec.ResumeOffset,
		&rec.LastError,
		&rec.Hash,
		&rec.RunID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return harvest.URLRecord{}, err
	}
	rec.Status = harvest.Status(status)
	return rec, nil
}
