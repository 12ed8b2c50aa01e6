// Package sqlite provides a SQLite-backed dedup store using the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/jiang10061/image-downloader/internal/clock/system"
	"github.com/jiang10061/image-downloader/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable    = "images"
	memoryPath      = ":memory:"
	connPragmas     = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	selectColumns   = "url, fetch_url, path, status, retry_count, resume_offset, last_error, hash, run_id, created_at, updated_at"
	defaultMaxConns = 4
)

// Config controls the SQLite database file and connection pool.
type Config struct {
	Path        string
	Table       string
	MaxConns    int
	AutoMigrate bool
}

// URLStore persists URL records in a SQLite table.
type URLStore struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

var _ harvest.Store = (*URLStore)(nil)

// Open opens (and optionally migrates) the SQLite database described by cfg.
func Open(ctx context.Context, cfg Config) (*URLStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	table := cfg.Table
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if cfg.Path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", buildDSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	if cfg.Path == memoryPath {
		// Each connection to :memory: is a separate database.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	store := &URLStore{db: db, table: table, now: system.New().Now}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return store, nil
}

func buildDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + connPragmas
}

// EnsureSchema creates the records table and its status index.
func (s *URLStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	url           TEXT PRIMARY KEY,
	fetch_url     TEXT NOT NULL DEFAULT '',
	path          TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL CHECK (status IN ('pending','downloading','completed','failed','blocked','invalid')),
	retry_count   INTEGER NOT NULL DEFAULT 0,
	resume_offset INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	hash          TEXT NOT NULL DEFAULT '',
	run_id        TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (status);`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *URLStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// ExistsCompleted reports whether url is recorded as completed.
func (s *URLStore) ExistsCompleted(ctx context.Context, url string) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE url = ? AND status = 'completed'`, s.table)
	var one int
	err := s.db.QueryRowContext(ctx, query, url).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check completed: %w", err)
	}
	return true, nil
}

// MarkDownloading atomically claims url for runID.
func (s *URLStore) MarkDownloading(ctx context.Context, url, fetchURL, runID string) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %[1]s (url, fetch_url, status, run_id, created_at, updated_at)
VALUES (?, ?, 'downloading', ?, ?, ?)
ON CONFLICT (url) DO UPDATE SET
	status = 'downloading',
	fetch_url = excluded.fetch_url,
	run_id = excluded.run_id,
	updated_at = excluded.updated_at
WHERE %[1]s.status = 'pending'
	OR (%[1]s.status IN ('failed','downloading') AND %[1]s.run_id <> excluded.run_id)
RETURNING url`, s.table)
	now := s.now().UnixMilli()
	var claimed string
	err := s.db.QueryRowContext(ctx, query, url, fetchURL, runID, now, now).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
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
UPDATE %s SET retry_count = retry_count + 1, last_error = ?, updated_at = ?
WHERE url = ? AND status <> 'completed'`, s.table)
	res, err := s.db.ExecContext(ctx, query, errText, s.now().UnixMilli(), url)
	if err != nil {
		return fmt.Errorf("record retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record retry rows: %w", err)
	}
	if n == 0 {
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
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (url) DO UPDATE SET
	path = excluded.path,
	status = excluded.status,
	last_error = excluded.last_error,
	hash = excluded.hash,
	resume_offset = CASE WHEN excluded.status = 'failed' THEN %[1]s.resume_offset ELSE 0 END,
	updated_at = excluded.updated_at
WHERE %[1]s.status <> 'completed' OR excluded.status = 'completed'`, s.table)
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, query,
		url,
		outcome.LocalPath,
		string(outcome.Status),
		outcome.ErrorText(),
		outcome.Hash,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// GetResumeOffset returns the checkpointed byte offset, or 0 when unknown.
func (s *URLStore) GetResumeOffset(ctx context.Context, url string) (int64, error) {
	query := fmt.Sprintf(`SELECT resume_offset FROM %s WHERE url = ?`, s.table)
	var offset int64
	err := s.db.QueryRowContext(ctx, query, url).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
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
UPDATE %s SET resume_offset = ?, updated_at = ?
WHERE url = ? AND status = 'downloading'`, s.table)
	if _, err := s.db.ExecContext(ctx, query, offset, s.now().UnixMilli(), url); err != nil {
		return fmt.Errorf("update resume offset: %w", err)
	}
	return nil
}

// Get returns the record for url.
func (s *URLStore) Get(ctx context.Context, url string) (harvest.URLRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE url = ?`, selectColumns, s.table)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, url))
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (harvest.URLRecord, error) {
	var (
		rec              harvest.URLRecord
		status           string
		created, updated int64
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
		&created,
		&updated,
	); err != nil {
		return harvest.URLRecord{}, err
	}
	rec.Status = harvest.Status(status)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}
