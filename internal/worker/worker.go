// Package worker downloads one resource per call: claim, fetch with retries, resume, validate, persist.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jiang10061/image-downloader/internal/harvest"
	"github.com/jiang10061/image-downloader/internal/metrics"
	"github.com/jiang10061/image-downloader/internal/policy/retry"
	"github.com/jiang10061/image-downloader/internal/progress"
	"github.com/jiang10061/image-downloader/internal/proxypool"
)

const (
	defaultTimeout         = 10 * time.Second
	defaultChunkSize       = 32 << 10
	defaultCheckpointBytes = 256 << 10
	finalCheckpointTimeout = 2 * time.Second
)

// Config controls Worker behavior.
type Config struct {
	RunID           string
	MaxRetries      int
	Timeout         time.Duration
	UserAgent       string
	ContentTypes    []string
	MinSize         int64
	MaxSize         int64
	ChunkSize       int
	CheckpointBytes int64
	// Progress receives attempt and outcome events. Nil discards them.
	Progress progress.Emitter
}

// Gate bounds how many workers are in their network phase. *semaphore.Weighted satisfies it.
type Gate interface {
	Acquire(ctx context.Context, n int64) error
	Release(n int64)
}

// RetryPolicy classifies failures and spaces attempts.
type RetryPolicy interface {
	Classify(err error) retry.Class
	Backoff(attempt int) time.Duration
}

// Result summarizes one Process call.
type Result struct {
	Target harvest.Target
	// Status is the persisted final status. It is empty when the target was skipped.
	Status   harvest.Status
	Skipped  bool
	Attempts int
	Bytes    int64
	Path     string
	Err      error
}

// Worker owns no per-URL state; one Worker serves every goroutine of a run.
type Worker struct {
	store     harvest.Store
	proxies   harvest.ProxyLeaser
	policy    RetryPolicy
	hook      harvest.PostProcessor
	hasher    harvest.Hasher
	transport *http.Transport
	filter    contentFilter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. proxies, hook and transport may be nil.
func New(
	store harvest.Store,
	proxies harvest.ProxyLeaser,
	policy RetryPolicy,
	hook harvest.PostProcessor,
	hasher harvest.Hasher,
	transport *http.Transport,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.CheckpointBytes <= 0 {
		cfg.CheckpointBytes = defaultCheckpointBytes
	}
	if cfg.Progress == nil {
		cfg.Progress = progress.Discard
	}
	if policy == nil {
		policy = retry.New(0, 0)
	}
	if transport == nil {
		transport = proxypool.NewBaseTransport()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:     store,
		proxies:   proxies,
		policy:    policy,
		hook:      hook,
		hasher:    hasher,
		transport: transport,
		filter:    newContentFilter(cfg.ContentTypes, cfg.MinSize, cfg.MaxSize),
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}
}

// Process acquires target into folder. The returned error is non-nil only for
// failures that must stop the run: store errors and cancellation. Per-URL
// failures are reported through Result.Status and Result.Err.
func (w *Worker) Process(ctx context.Context, gate Gate, target harvest.Target, folder string) (Result, error) {
	res := Result{Target: target, Path: filepath.Join(folder, harvest.FileName(target.Key))}
	logger := w.logger.With(zap.String("url", target.Key))
	start := time.Now()

	done, err := w.store.ExistsCompleted(ctx, target.Key)
	if err != nil {
		return res, harvest.StoreError("exists completed", err)
	}
	if done {
		logger.Debug("already present")
		res.Skipped = true
		return res, nil
	}
	claimed, err := w.store.MarkDownloading(ctx, target.Key, target.FetchURL, w.cfg.RunID)
	if err != nil {
		return res, harvest.StoreError("mark downloading", err)
	}
	if !claimed {
		logger.Debug("claimed elsewhere or terminal")
		res.Skipped = true
		return res, nil
	}

	slot := &gateHold{gate: gate}
	if err := slot.acquire(ctx); err != nil {
		return res, fmt.Errorf("acquire download slot: %w", err)
	}
	defer slot.release()

	maxAttempts := 1 + w.cfg.MaxRetries
	var (
		lastErr error
		delay   time.Duration
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		w.emit(progress.Event{Stage: progress.StageAttemptStart, URL: target.Key, Attempt: attempt})
		began := time.Now()
		ar, err := w.attempt(ctx, harvest.Attempt{Target: target, Index: attempt, Backoff: delay}, res.Path, logger)
		res.Bytes += ar.bytes
		w.emitAttemptDone(target, attempt, ar, err, time.Since(began))
		if err == nil {
			return w.complete(ctx, res, ar.contentType, start, logger)
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("download %s canceled: %w", target.Key, ctx.Err())
		}
		if errors.Is(err, harvest.ErrStore) {
			return res, err
		}
		lastErr = err

		switch {
		case errors.Is(err, harvest.ErrBlockedContentType):
			return w.reject(ctx, res, harvest.StatusBlocked, err, start, logger)
		case errors.Is(err, harvest.ErrSizeOutOfBounds):
			return w.reject(ctx, res, harvest.StatusInvalid, err, start, logger)
		}
		if w.policy.Classify(err) == retry.Terminal || attempt == maxAttempts {
			break
		}

		if err := w.store.RecordRetry(ctx, target.Key, err.Error()); err != nil {
			return res, harvest.StoreError("record retry", err)
		}
		metrics.ObserveRetry(target.FetchURL)
		delay = w.policy.Backoff(attempt)
		w.emit(progress.Event{
			Stage:   progress.StageRetry,
			URL:     target.Key,
			Attempt: attempt,
			Proxy:   ar.proxy,
			Dur:     delay,
			Note:    err.Error(),
		})
		logger.Info("retrying download",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		slot.release()
		if err := sleep(ctx, delay); err != nil {
			return res, fmt.Errorf("download %s canceled: %w", target.Key, err)
		}
		if err := slot.acquire(ctx); err != nil {
			return res, fmt.Errorf("acquire download slot: %w", err)
		}
	}

	res.Status = harvest.StatusFailed
	res.Err = lastErr
	if err := w.store.RecordOutcome(ctx, target.Key, harvest.Outcome{Status: harvest.StatusFailed, Err: lastErr}); err != nil {
		return res, harvest.StoreError("record failed outcome", err)
	}
	metrics.ObserveDownload(target.FetchURL, string(res.Status), res.Bytes, time.Since(start))
	w.emitOutcome(res, time.Since(start))
	logger.Warn("download failed", zap.Int("attempts", res.Attempts), zap.Error(lastErr))
	return res, nil
}

func (w *Worker) complete(ctx context.Context, res Result, contentType string, start time.Time, logger *zap.Logger) (Result, error) {
	var (
		hash string
		size int64
	)
	if w.hasher != nil {
		h, err := w.hasher.HashFile(res.Path)
		if err != nil {
			logger.Warn("hash failed", zap.Error(err))
		}
		hash = h
	}
	if info, err := os.Stat(res.Path); err == nil {
		size = info.Size()
	}

	if w.hook != nil {
		file := harvest.CompletedFile{
			URL:         res.Target.Key,
			FetchURL:    res.Target.FetchURL,
			LocalPath:   res.Path,
			ContentType: contentType,
			Size:        size,
			Hash:        hash,
			RunID:       w.cfg.RunID,
		}
		if err := w.hook.Process(ctx, file); err != nil {
			logger.Warn("post-processing hook failed", zap.Error(err))
		}
	}

	outcome := harvest.Outcome{Status: harvest.StatusCompleted, LocalPath: res.Path, Hash: hash}
	if err := w.store.RecordOutcome(ctx, res.Target.Key, outcome); err != nil {
		return res, harvest.StoreError("record completed outcome", err)
	}
	res.Status = harvest.StatusCompleted
	metrics.ObserveDownload(res.Target.FetchURL, string(res.Status), res.Bytes, time.Since(start))
	w.emitOutcome(res, time.Since(start))
	logger.Info("download completed",
		zap.String("path", res.Path),
		zap.Int64("size", size),
		zap.Int("attempts", res.Attempts),
	)
	return res, nil
}

func (w *Worker) reject(
	ctx context.Context,
	res Result,
	status harvest.Status,
	cause error,
	start time.Time,
	logger *zap.Logger,
) (Result, error) {
	if err := os.Remove(res.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("remove rejected file", zap.Error(err))
	}
	res.Status = status
	res.Err = cause
	if err := w.store.RecordOutcome(ctx, res.Target.Key, harvest.Outcome{Status: status, Err: cause}); err != nil {
		return res, harvest.StoreError("record rejected outcome", err)
	}
	metrics.ObserveDownload(res.Target.FetchURL, string(status), 0, time.Since(start))
	w.emitOutcome(res, time.Since(start))
	logger.Info("download rejected", zap.String("status", string(status)), zap.Error(cause))
	return res, nil
}

func (w *Worker) emit(evt progress.Event) {
	evt.RunID = w.cfg.RunID
	evt.TS = time.Now()
	if evt.Site == "" && evt.URL != "" {
		evt.Site = metrics.SanitizeSite(evt.URL)
	}
	w.cfg.Progress.Emit(evt)
}

func (w *Worker) emitAttemptDone(target harvest.Target, attempt int, ar attemptResult, err error, dur time.Duration) {
	evt := progress.Event{
		Stage:       progress.StageAttemptDone,
		URL:         target.Key,
		Attempt:     attempt,
		Proxy:       ar.proxy,
		Bytes:       ar.bytes,
		StatusClass: progress.ClassifyStatus(ar.statusCode),
		Dur:         dur,
	}
	if err != nil {
		evt.Note = err.Error()
	}
	w.emit(evt)
}

func (w *Worker) emitOutcome(res Result, dur time.Duration) {
	evt := progress.Event{
		Stage:   progress.StageOutcome,
		URL:     res.Target.Key,
		Attempt: res.Attempts,
		Bytes:   res.Bytes,
		Status:  string(res.Status),
		Dur:     dur,
	}
	if res.Err != nil {
		evt.Note = res.Err.Error()
	}
	w.emit(evt)
}

// gateHold tracks whether this worker currently holds its slot.
type gateHold struct {
	gate Gate
	held bool
}

func (g *gateHold) acquire(ctx context.Context) error {
	if g.gate == nil {
		return ctx.Err()
	}
	if err := g.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	g.held = true
	metrics.IncActiveWorkers()
	return nil
}

func (g *gateHold) release() {
	if g.gate == nil || !g.held {
		return
	}
	g.held = false
	g.gate.Release(1)
	metrics.DecActiveWorkers()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
