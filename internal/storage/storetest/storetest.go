// Package storetest holds the behavioral suite every harvest.Store backend must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jiang10061/image-downloader/internal/harvest"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) harvest.Store

// Run exercises the store contract against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("ClaimAbsent", func(t *testing.T) { testClaimAbsent(t, newStore(t)) })
	t.Run("ClaimRefusedForSameRun", func(t *testing.T) { testClaimSameRun(t, newStore(t)) })
	t.Run("TerminalNeverReclaimed", func(t *testing.T) { testTerminalNeverReclaimed(t, newStore(t)) })
	t.Run("FailedReclaimedByNextRun", func(t *testing.T) { testFailedReclaimed(t, newStore(t)) })
	t.Run("ConcurrentClaimSingleWinner", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("RetryCountMonotonic", func(t *testing.T) { testRetryCount(t, newStore(t)) })
	t.Run("OutcomeIdempotent", func(t *testing.T) { testOutcomeIdempotent(t, newStore(t)) })
	t.Run("CompletedNotDowngraded", func(t *testing.T) { testCompletedNotDowngraded(t, newStore(t)) })
	t.Run("ResumeOffset", func(t *testing.T) { testResumeOffset(t, newStore(t)) })
	t.Run("GetAndList", func(t *testing.T) { testGetAndList(t, newStore(t)) })
}

func testClaimAbsent(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	const url = "https://example.com/a.png"

	done, err := store.ExistsCompleted(ctx, url)
	require.NoError(t, err)
	require.False(t, done)

	ok, err := store.MarkDownloading(ctx, url, url+"?v=1", "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := store.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, harvest.StatusDownloading, rec.Status)
	require.Equal(t, url+"?v=1", rec.FetchURL)
	require.Equal(t, "run-1", rec.RunID)
	require.Zero(t, rec.RetryCount)
	require.False(t, rec.CreatedAt.IsZero())
}

func testClaimSameRun(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	const url = "https://example.com/dup.png"

	ok, err := store.MarkDownloading(ctx, url, url, "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.MarkDownloading(ctx, url, url, "run-1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.MarkDownloading(ctx, url, url, "run-2")
	require.NoError(t, err)
	require.True(t, ok, "stale downloading record from another run is reclaimable")
}

func testTerminalNeverReclaimed(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	for i, status := range []harvest.Status{harvest.StatusCompleted, harvest.StatusBlocked, harvest.StatusInvalid} {
		url := "https://example.com/terminal-" + string(rune('a'+i))
		require.NoError(t, store.RecordOutcome(ctx, url, harvest.Outcome{Status: status}))

		ok, err := store.MarkDownloading(ctx, url, url, "run-next")
		require.NoError(t, err)
		require.False(t, ok, status)
	}
	done, err := store.ExistsCompleted(ctx, "https://example.com/terminal-a")
	require.NoError(t, err)
	require.True(t, done)
}

func testFailedReclaimed(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	const url = "https://example.com/flaky.png"

	ok, err := store.MarkDownloading(ctx, url, url, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.RecordRetry(ctx, url, "503"))
	require.NoError(t, store.RecordOutcome(ctx, url, harvest.Outcome{
		Status: harvest.StatusFailed,
		Err:    errors.New("exhausted"),
	}))

	ok, err = store.MarkDownloading(ctx, url, url, "run-1")
	require.NoError(t, err)
	require.False(t, ok, "failed is terminal within the run that produced it")

	ok, err = store.MarkDownloading(ctx, url, url, "run-2")
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := store.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, 1, rec.RetryCount, "retry count carries across runs")
}

func testConcurrentClaim(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	const url = "https://example.com/race.png"
	const contenders = 16

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
		errs = make(chan error, contenders)
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.MarkDownloading(ctx, url, url, "run-1")
			if err != nil {
				errs <- err
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), wins.Load())
}

func testRetryCount(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	const url = "https://example.com/retry.png"

	ok, err := store.MarkDownloading(ctx, url, url, "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.RecordRetry(ctx, url, "timeout"))
		rec, err := store.Get(ctx, url)
		require.NoError(t, err)
		require.Equal(t, i, rec.RetryCount)
		require.Equal(t, "timeout", rec.LastError)
	}
	require.NoError(t, store.RecordOutcome(ctx, url, harvest.Outcome{Status: harvest.StatusCompleted, LocalPath: "/tmp/x"}))
	rec, err := store.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, 3, rec.RetryCount)
	require.Empty(t, rec.LastError)

	require.Error(t, store.RecordRetry(ctx, "https://example.com/unknown.png", "boom"))
}

func testOutcomeIdempotent(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	const url = "https://example.com/idem.png"
	outcome := harvest.Outcome{Status: harvest.StatusCompleted, LocalPath: "/data/idem.png", Hash: "abc"}

	require.NoError(t, store.RecordOutcome(ctx, url, outcome))
	require.NoError(t, store.RecordOutcome(ctx, url, outcome))

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "/data/idem.png", records[0].LocalPath)
	require.Equal(t, "abc", records[0].Hash)
}

func testCompletedNotDowngraded(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	const url = "https://example.com/keep.png"

	require.NoError(t, store.RecordOutcome(ctx, url, harvest.Outcome{Status: harvest.StatusCompleted, LocalPath: "/data/keep.png"}))
	require.NoError(t, store.RecordOutcome(ctx, url, harvest.Outcome{Status: harvest.StatusFailed, Err: errors.New("late")}))

	rec, err := store.Get(ctx, url)
	require.NoError(t, err)
	require.Equal(t, harvest.StatusCompleted, rec.Status)
	require.Equal(t, "/data/keep.png", rec.LocalPath)
}

func testResumeOffset(t *testing.T, store harvest.Store) {
	ctx := context.Background()
	const url = "https://example.com/big.bin"

	offset, err := store.GetResumeOffset(ctx, url)
	require.NoError(t, err)
	require.Zero(t, offset)

	ok, err := store.MarkDownloading(ctx, url, url, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.UpdateResumeOffset(ctx, url, 4096))

	offset, err = store.GetResumeOffset(ctx, url)
	require.NoError(t, err)
	require.Equal(t, int64(4096), offset)

	require.NoError(t, store.RecordOutcome(ctx, url, harvest.Outcome{Status: harvest.StatusFailed, Err: errors.New("timeout")}))
	offset, err = store.GetResumeOffset(ctx, url)
	require.NoError(t, err)
	require.Equal(t, int64(4096), offset, "failed keeps the checkpoint for the next run")

	ok, err = store.MarkDownloading(ctx, url, url, "run-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.RecordOutcome(ctx, url, harvest.Outcome{Status: harvest.StatusCompleted}))
	offset, err = store.GetResumeOffset(ctx, url)
	require.NoError(t, err)
	require.Zero(t, offset)
}

func testGetAndList(t *testing.T, store harvest.Store) {
	ctx := context.Background()

	_, err := store.Get(ctx, "https://example.com/missing.png")
	require.ErrorIs(t, err, harvest.ErrNotFound)

	require.NoError(t, store.RecordOutcome(ctx, "https://example.com/b.png", harvest.Outcome{Status: harvest.StatusBlocked, Err: errors.New("text/html")}))
	require.NoError(t, store.RecordOutcome(ctx, "https://example.com/a.png", harvest.Outcome{Status: harvest.StatusInvalid}))

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "https://example.com/a.png", records[0].URL)
	require.Equal(t, harvest.StatusBlocked, records[1].Status)
	require.Contains(t, records[1].LastError, "text/html")
}
