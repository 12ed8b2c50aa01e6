// Package hooks provides post-processing steps run once a download is durable on disk.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jiang10061/image-downloader/internal/harvest"
	"github.com/jiang10061/image-downloader/internal/metrics"
)

// BlobStore receives mirrored copies. The gcs, local and memory stores satisfy it.
type BlobStore interface {
	PutObject(ctx context.Context, name string, contentType string, r io.Reader) (string, error)
}

// Publisher emits completion events. The pubsub and memory publishers satisfy it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Named pairs a hook with the label used in logs and metrics.
type Named struct {
	Name string
	Hook harvest.PostProcessor
}

// Chain runs every hook in order. A failing hook does not stop the ones after it.
type Chain struct {
	hooks  []Named
	logger *zap.Logger
}

var _ harvest.PostProcessor = (*Chain)(nil)

// NewChain builds a Chain. Entries with a nil Hook are dropped.
func NewChain(logger *zap.Logger, hooks ...Named) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	kept := make([]Named, 0, len(hooks))
	for _, h := range hooks {
		if h.Hook != nil {
			kept = append(kept, h)
		}
	}
	return &Chain{hooks: kept, logger: logger.Named("hooks")}
}

// Len reports how many hooks are registered.
func (c *Chain) Len() int {
	return len(c.hooks)
}

// Process runs the hooks and joins their errors.
func (c *Chain) Process(ctx context.Context, file harvest.CompletedFile) error {
	var errs []error
	for _, h := range c.hooks {
		if err := h.Hook.Process(ctx, file); err != nil {
			metrics.ObserveHookFailure(h.Name)
			c.logger.Warn("hook failed", zap.String("hook", h.Name), zap.String("url", file.URL), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
		}
	}
	return errors.Join(errs...)
}

// BlobMirror copies completed files into a BlobStore under their local file name.
type BlobMirror struct {
	store BlobStore
}

// NewBlobMirror builds a mirror hook.
func NewBlobMirror(store BlobStore) *BlobMirror {
	return &BlobMirror{store: store}
}

// Process uploads file.LocalPath.
func (m *BlobMirror) Process(ctx context.Context, file harvest.CompletedFile) error {
	// #nosec G304 -- LocalPath is produced by the worker under the output folder.
	f, err := os.Open(file.LocalPath)
	if err != nil {
		return fmt.Errorf("open for mirror: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := m.store.PutObject(ctx, path.Clean(filepath.Base(file.LocalPath)), file.ContentType, f); err != nil {
		return fmt.Errorf("mirror %s: %w", file.URL, err)
	}
	return nil
}

// CompletionEvent is the payload published for each completed download.
type CompletionEvent struct {
	URL         string    `json:"url"`
	FetchURL    string    `json:"fetch_url"`
	Path        string    `json:"path"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	RunID       string    `json:"run_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// Notifier publishes a CompletionEvent per file.
type Notifier struct {
	publisher Publisher
	topic     string
	clock     harvest.Clock
}

// NewNotifier builds a notifier hook.
func NewNotifier(publisher Publisher, topic string, clock harvest.Clock) *Notifier {
	return &Notifier{publisher: publisher, topic: topic, clock: clock}
}

// Process publishes the event for file.
func (n *Notifier) Process(ctx context.Context, file harvest.CompletedFile) error {
	now := time.Now().UTC()
	if n.clock != nil {
		now = n.clock.Now()
	}
	event := CompletionEvent{
		URL:         file.URL,
		FetchURL:    file.FetchURL,
		Path:        file.LocalPath,
		ContentType: file.ContentType,
		Size:        file.Size,
		Hash:        file.Hash,
		RunID:       file.RunID,
		CompletedAt: now,
	}
	if _, err := n.publisher.Publish(ctx, n.topic, event); err != nil {
		return fmt.Errorf("publish completion for %s: %w", file.URL, err)
	}
	return nil
}

// Log returns a hook that records each completed file at info level.
func Log(logger *zap.Logger) harvest.PostProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return harvest.PostProcessorFunc(func(_ context.Context, file harvest.CompletedFile) error {
		logger.Info("file ready",
			zap.String("url", file.URL),
			zap.String("path", file.LocalPath),
			zap.Int64("size", file.Size),
			zap.String("hash", file.Hash),
		)
		return nil
	})
}
