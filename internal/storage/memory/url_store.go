// Package memory contains in-memory store implementations for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jiang10061/image-downloader/internal/clock/system"
	"github.com/jiang10061/image-downloader/internal/harvest"
)

// URLStore keeps URL records in a mutex-guarded map.
type URLStore struct {
	mu      sync.RWMutex
	records map[string]harvest.URLRecord
	now     func() time.Time
}

var _ harvest.Store = (*URLStore)(nil)

// NewURLStore constructs an empty URLStore.
func NewURLStore() *URLStore {
	return &URLStore{
		records: make(map[string]harvest.URLRecord),
		now:     system.New().Now,
	}
}

// ExistsCompleted reports whether url is recorded as completed.
func (s *URLStore) ExistsCompleted(_ context.Context, url string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[url]
	return ok && rec.Status == harvest.StatusCompleted, nil
}

// MarkDownloading claims url for runID.
func (s *URLStore) MarkDownloading(_ context.Context, url, fetchURL, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec, ok := s.records[url]
	if !ok {
		s.records[url] = harvest.URLRecord{
			URL:       url,
			FetchURL:  fetchURL,
			Status:    harvest.StatusDownloading,
			RunID:     runID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return true, nil
	}
	if !claimable(rec, runID) {
		return false, nil
	}
	rec.Status = harvest.StatusDownloading
	rec.FetchURL = fetchURL
	rec.RunID = runID
	rec.UpdatedAt = now
	s.records[url] = rec
	return true, nil
}

func claimable(rec harvest.URLRecord, runID string) bool {
	switch rec.Status {
	case harvest.StatusPending:
		return true
	case harvest.StatusFailed, harvest.StatusDownloading:
		return rec.RunID != runID
	default:
		return false
	}
}

// RecordRetry counts one retried attempt.
func (s *URLStore) RecordRetry(_ context.Context, url, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[url]
	if !ok || rec.Status == harvest.StatusCompleted {
		return fmt.Errorf("record retry %s: %w", url, harvest.ErrNotFound)
	}
	rec.RetryCount++
	rec.LastError = errText
	rec.UpdatedAt = s.now()
	s.records[url] = rec
	return nil
}

// RecordOutcome upserts the final status. A completed record is never downgraded.
func (s *URLStore) RecordOutcome(_ context.Context, url string, outcome harvest.Outcome) error {
	if !outcome.Status.Valid() {
		return fmt.Errorf("record outcome %s: invalid status %q", url, outcome.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	rec, ok := s.records[url]
	if !ok {
		rec = harvest.URLRecord{URL: url, CreatedAt: now}
	}
	if rec.Status == harvest.StatusCompleted && outcome.Status != harvest.StatusCompleted {
		return nil
	}
	rec.Status = outcome.Status
	rec.LocalPath = outcome.LocalPath
	rec.Hash = outcome.Hash
	rec.LastError = outcome.ErrorText()
	if outcome.Status != harvest.StatusFailed {
		rec.ResumeOffset = 0
	}
	rec.UpdatedAt = now
	s.records[url] = rec
	return nil
}

// GetResumeOffset returns the checkpointed byte offset, or 0.
func (s *URLStore) GetResumeOffset(_ context.Context, url string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[url].ResumeOffset, nil
}

// UpdateResumeOffset checkpoints a partial transfer.
func (s *URLStore) UpdateResumeOffset(_ context.Context, url string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[url]
	if !ok || rec.Status != harvest.StatusDownloading {
		return nil
	}
	rec.ResumeOffset = offset
	rec.UpdatedAt = s.now()
	s.records[url] = rec
	return nil
}

// Get returns a copy of the record for url.
func (s *URLStore) Get(_ context.Context, url string) (harvest.URLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[url]
	if !ok {
		return harvest.URLRecord{}, harvest.ErrNotFound
	}
	return rec, nil
}

// List returns all records ordered by URL.
func (s *URLStore) List(_ context.Context) ([]harvest.URLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.URLRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// Put seeds a record directly. Intended for tests.
func (s *URLStore) Put(rec harvest.URLRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.URL] = rec
}

// Close is a no-op.
func (s *URLStore) Close() {}
