package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/jiang10061/image-downloader/internal/harvest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Unix(1700000000, 0).UTC()

func newMockStore(t *testing.T) (*URLStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewURLStoreWithPool(mock, "images", fixedClock{now: testNow})
	require.NoError(t, err)
	return store, mock
}

func TestNewURLStoreWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewURLStoreWithPool(nil, "images", nil)
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewURLStoreWithPool(mock, "images;drop", nil)
	require.ErrorContains(t, err, "invalid table name")

	store, err := NewURLStoreWithPool(mock, "", nil)
	require.NoError(t, err)
	require.Equal(t, "images", store.table)
}

func TestNewURLStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewURLStore(context.Background(), Config{})
	require.ErrorContains(t, err, "dsn is required")
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS images").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS images_status_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDownloadingClaimed(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	url := "https://example.com/a.png"
	mock.ExpectQuery("INSERT INTO images").
		WithArgs(url, url+"?v=2", "run-1", testNow).
		WillReturnRows(pgxmock.NewRows([]string{"url"}).AddRow(url))

	ok, err := store.MarkDownloading(context.Background(), url, url+"?v=2", "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDownloadingRefused(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	url := "https://example.com/a.png"
	mock.ExpectQuery("INSERT INTO images").
		WithArgs(url, url, "run-1", testNow).
		WillReturnRows(pgxmock.NewRows([]string{"url"}))

	ok, err := store.MarkDownloading(context.Background(), url, url, "run-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDownloadingError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO images").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err := store.MarkDownloading(context.Background(), "u", "u", "r")
	require.ErrorContains(t, err, "claim url")
}

func TestExistsCompleted(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("https://example.com/a.png").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	done, err := store.ExistsCompleted(context.Background(), "https://example.com/a.png")
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRetry(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE images SET retry_count = retry_count \\+ 1").
		WithArgs("https://example.com/a.png", "unexpected status 503", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE images SET retry_count").
		WithArgs("https://example.com/gone.png", "boom", testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.RecordRetry(context.Background(), "https://example.com/a.png", "unexpected status 503"))
	err := store.RecordRetry(context.Background(), "https://example.com/gone.png", "boom")
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordOutcome(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO images").
		WithArgs("https://example.com/a.png", "/out/a.png", "failed", "timeout", "", testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.RecordOutcome(context.Background(), "https://example.com/a.png", harvest.Outcome{
		Status:    harvest.StatusFailed,
		LocalPath: "/out/a.png",
		Err:       errors.New("timeout"),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	err = store.RecordOutcome(context.Background(), "https://example.com/a.png", harvest.Outcome{Status: "weird"})
	require.ErrorContains(t, err, "invalid status")
}

func TestResumeOffset(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT resume_offset FROM images").
		WithArgs("https://example.com/new.bin").
		WillReturnRows(pgxmock.NewRows([]string{"resume_offset"}))
	mock.ExpectExec("UPDATE images SET resume_offset").
		WithArgs("https://example.com/new.bin", int64(2048), testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("SELECT resume_offset FROM images").
		WithArgs("https://example.com/new.bin").
		WillReturnRows(pgxmock.NewRows([]string{"resume_offset"}).AddRow(int64(2048)))

	ctx := context.Background()
	offset, err := store.GetResumeOffset(ctx, "https://example.com/new.bin")
	require.NoError(t, err)
	require.Zero(t, offset)

	require.NoError(t, store.UpdateResumeOffset(ctx, "https://example.com/new.bin", 2048))

	offset, err = store.GetResumeOffset(ctx, "https://example.com/new.bin")
	require.NoError(t, err)
	require.Equal(t, int64(2048), offset)
	require.NoError(t, mock.ExpectationsWereMet())
}

func recordColumns() []string {
	return []string{"url", "fetch_url", "path", "status", "retry_count", "resume_offset", "last_error", "hash", "run_id", "created_at", "updated_at"}
}

func TestGetAndList(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT url, fetch_url").
		WithArgs("https://example.com/missing.png").
		WillReturnRows(pgxmock.NewRows(recordColumns()))
	mock.ExpectQuery("SELECT url, fetch_url .* ORDER BY url").
		WillReturnRows(pgxmock.NewRows(recordColumns()).
			AddRow("https://example.com/a.png", "https://example.com/a.png?x=1", "/out/a.png", "completed", 2, int64(0), "", "abc", "run-1", testNow, testNow).
			AddRow("https://example.com/b.png", "https://example.com/b.png", "", "blocked", 0, int64(0), "text/html", "", "run-1", testNow, testNow))

	ctx := context.Background()
	_, err := store.Get(ctx, "https://example.com/missing.png")
	require.ErrorIs(t, err, harvest.ErrNotFound)

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, harvest.StatusCompleted, records[0].Status)
	require.Equal(t, 2, records[0].RetryCount)
	require.Equal(t, "abc", records[0].Hash)
	require.Equal(t, harvest.StatusBlocked, records[1].Status)
	require.Equal(t, testNow, records[1].CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
