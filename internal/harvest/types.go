// Package harvest holds the shared domain types and contracts of the acquisition pipeline.
package harvest

import (
	"context"
	"time"
)

// Status enumerates the lifecycle states of a URL record.
type Status string

const (
	// StatusPending marks a record known but not yet claimed.
	StatusPending Status = "pending"
	// StatusDownloading marks a record claimed by a worker.
	StatusDownloading Status = "downloading"
	// StatusCompleted marks a record whose resource is on disk.
	StatusCompleted Status = "completed"
	// StatusFailed marks a record whose retries were exhausted in a run.
	StatusFailed Status = "failed"
	// StatusBlocked marks a record rejected by the content-type allow-list.
	StatusBlocked Status = "blocked"
	// StatusInvalid marks a record rejected by the size bounds.
	StatusInvalid Status = "invalid"
)

// Statuses lists every valid status value.
var Statuses = []Status{
	StatusPending,
	StatusDownloading,
	StatusCompleted,
	StatusFailed,
	StatusBlocked,
	StatusInvalid,
}

// Terminal reports whether a record in this status is never attempted again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusBlocked, StatusInvalid:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// URLRecord is the persisted acquisition state of one normalized URL.
type URLRecord struct {
	URL          string
	FetchURL     string
	Status       Status
	RetryCount   int
	LocalPath    string
	ResumeOffset int64
	LastError    string
	Hash         string
	RunID        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Target identifies one resource to acquire.
// Key is the dedup key; FetchURL is what goes on the wire.
type Target struct {
	Key      string
	FetchURL string
}

// Outcome is the final result a worker asks the store to persist.
type Outcome struct {
	Status    Status
	LocalPath string
	Hash      string
	Err       error
}

// ErrorText renders the outcome error for persistence.
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// ProxyEntry is a candidate intermediary leased from the proxy pool.
type ProxyEntry struct {
	Address  string
	Verified bool
}

// Attempt describes one fetch try for a target.
type Attempt struct {
	Target  Target
	Proxy   string
	Index   int
	Backoff time.Duration
}

// CompletedFile is handed to post-processing hooks once a download is durable.
type CompletedFile struct {
	URL         string
	FetchURL    string
	LocalPath   string
	ContentType string
	Size        int64
	Hash        string
	RunID       string
}

// Store is the durable dedup record of URL acquisition state.
// Every method is atomic with respect to concurrent callers.
type Store interface {
	ExistsCompleted(ctx context.Context, url string) (bool, error)
	MarkDownloading(ctx context.Context, url, fetchURL, runID string) (bool, error)
	RecordRetry(ctx context.Context, url, errText string) error
	RecordOutcome(ctx context.Context, url string, outcome Outcome) error
	GetResumeOffset(ctx context.Context, url string) (int64, error)
	UpdateResumeOffset(ctx context.Context, url string, offset int64) error
	Get(ctx context.Context, url string) (URLRecord, error)
	List(ctx context.Context) ([]URLRecord, error)
	Close()
}

// ProxyLeaser hands out validated proxies. ok is false when none remain.
type ProxyLeaser interface {
	Lease(ctx context.Context) (entry ProxyEntry, ok bool)
}

// PostProcessor runs after a file is complete. Its errors never change the record status.
type PostProcessor interface {
	Process(ctx context.Context, file CompletedFile) error
}

// PostProcessorFunc adapts a function to PostProcessor.
type PostProcessorFunc func(ctx context.Context, file CompletedFile) error

// Process calls f.
func (f PostProcessorFunc) Process(ctx context.Context, file CompletedFile) error {
	return f(ctx, file)
}

// Hasher digests completed files.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Clock abstracts time for store timestamps.
type Clock interface {
	Now() time.Time
}
