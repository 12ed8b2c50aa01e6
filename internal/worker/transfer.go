package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/jiang10061/image-downloader/internal/harvest"
	"github.com/jiang10061/image-downloader/internal/proxypool"
)

// attemptResult describes what one fetch try did.
type attemptResult struct {
	bytes       int64
	contentType string
	proxy       string
	statusCode  int
}

// attempt performs one fetch of at.Target into path.
func (w *Worker) attempt(ctx context.Context, at harvest.Attempt, path string, logger *zap.Logger) (attemptResult, error) {
	var ar attemptResult
	target := at.Target
	offset, err := w.resumeOffset(ctx, target.Key, path)
	if err != nil {
		return ar, err
	}

	client, proxyAddr, closeClient := w.client(ctx, logger)
	defer closeClient()
	at.Proxy = proxyAddr
	ar.proxy = proxyAddr
	logger.Debug("fetch attempt",
		zap.Int("attempt", at.Index),
		zap.String("proxy", at.Proxy),
		zap.Duration("after_backoff", at.Backoff),
		zap.Int64("offset", offset),
	)

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, target.FetchURL, nil)
	if err != nil {
		return ar, fmt.Errorf("build request: %w", err)
	}
	if w.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", w.cfg.UserAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := client.Do(req)
	if err != nil {
		return ar, fmt.Errorf("fetch %s: %w", target.FetchURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	ar.statusCode = resp.StatusCode

	total := int64(-1)
	switch resp.StatusCode {
	case http.StatusOK:
		offset = 0
		total = resp.ContentLength
	case http.StatusPartialContent:
		start, size, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			if err := w.resetOffset(ctx, target.Key, path); err != nil {
				return ar, err
			}
			return ar, fmt.Errorf("fetch %s: unexpected content range %q", target.FetchURL, resp.Header.Get("Content-Range"))
		}
		total = size
		if total < 0 && resp.ContentLength >= 0 {
			total = offset + resp.ContentLength
		}
	case http.StatusRequestedRangeNotSatisfiable:
		if err := w.resetOffset(ctx, target.Key, path); err != nil {
			return ar, err
		}
		return ar, &harvest.HTTPStatusError{Code: resp.StatusCode}
	default:
		return ar, &harvest.HTTPStatusError{Code: resp.StatusCode}
	}

	ar.contentType = resp.Header.Get("Content-Type")
	if err := w.filter.allowType(ar.contentType); err != nil {
		return ar, err
	}
	if err := w.filter.checkTotal(total); err != nil {
		return ar, err
	}

	ar.bytes, err = w.stream(ctx, target.Key, path, offset, resp.Body)
	return ar, err
}

// stream copies body to path starting at offset and checkpoints progress.
func (w *Worker) stream(ctx context.Context, key, path string, offset int64, body io.Reader) (int64, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if offset == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	// #nosec G304 -- path is built from the output folder and a sanitized file name.
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %w", harvest.ErrFilesystem, path, err)
	}
	closed := false
	defer func() {
		if !closed {
			_ = f.Close()
		}
	}()

	buf := make([]byte, w.cfg.ChunkSize)
	written := offset
	checkpointed := offset
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return written - offset, fmt.Errorf("%w: write %s: %w", harvest.ErrFilesystem, path, err)
			}
			written += int64(n)
			if err := w.filter.checkMax(written); err != nil {
				return written - offset, err
			}
			if written-checkpointed >= w.cfg.CheckpointBytes {
				if err := w.checkpoint(ctx, f, key, written); err != nil {
					if ctx.Err() != nil {
						w.finalCheckpoint(ctx, f, key, written)
						return written - offset, fmt.Errorf("checkpoint interrupted: %w", ctx.Err())
					}
					return written - offset, err
				}
				checkpointed = written
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			w.finalCheckpoint(ctx, f, key, written)
			return written - offset, fmt.Errorf("read body: %w", readErr)
		}
	}

	if err := w.filter.checkTotal(written); err != nil {
		return written - offset, err
	}
	if err := f.Sync(); err != nil {
		return written - offset, fmt.Errorf("%w: sync %s: %w", harvest.ErrFilesystem, path, err)
	}
	closed = true
	if err := f.Close(); err != nil {
		return written - offset, fmt.Errorf("%w: close %s: %w", harvest.ErrFilesystem, path, err)
	}
	return written - offset, nil
}

// checkpoint makes written bytes durable before advertising them as resumable.
func (w *Worker) checkpoint(ctx context.Context, f *os.File, key string, written int64) error {
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", harvest.ErrFilesystem, f.Name(), err)
	}
	if err := w.store.UpdateResumeOffset(ctx, key, written); err != nil {
		return harvest.StoreError("update resume offset", err)
	}
	return nil
}

// finalCheckpoint records progress after an interrupted read, even when ctx is already done.
func (w *Worker) finalCheckpoint(ctx context.Context, f *os.File, key string, written int64) {
	if err := f.Sync(); err != nil {
		w.logger.Warn("final sync failed", zap.String("url", key), zap.Error(err))
		return
	}
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalCheckpointTimeout)
	defer cancel()
	if err := w.store.UpdateResumeOffset(detached, key, written); err != nil {
		w.logger.Warn("final checkpoint failed", zap.String("url", key), zap.Error(err))
	}
}

// resumeOffset reconciles the stored offset with the bytes actually on disk and
// truncates the file to the agreed length.
func (w *Worker) resumeOffset(ctx context.Context, key, path string) (int64, error) {
	stored, err := w.store.GetResumeOffset(ctx, key)
	if err != nil {
		return 0, harvest.StoreError("get resume offset", err)
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("%w: stat %s: %w", harvest.ErrFilesystem, path, err)
	}
	offset := min(max(stored, 0), info.Size())
	if info.Size() != offset {
		if err := os.Truncate(path, offset); err != nil {
			return 0, fmt.Errorf("%w: truncate %s: %w", harvest.ErrFilesystem, path, err)
		}
	}
	return offset, nil
}

func (w *Worker) resetOffset(ctx context.Context, key, path string) error {
	if err := w.store.UpdateResumeOffset(ctx, key, 0); err != nil {
		return harvest.StoreError("reset resume offset", err)
	}
	if err := os.Truncate(path, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: truncate %s: %w", harvest.ErrFilesystem, path, err)
	}
	return nil
}

// client leases a proxy when a pool is configured and falls back to a direct connection.
func (w *Worker) client(ctx context.Context, logger *zap.Logger) (*http.Client, string, func()) {
	direct := &http.Client{Transport: w.transport}
	if w.proxies == nil {
		return direct, "", func() {}
	}
	entry, ok := w.proxies.Lease(ctx)
	if !ok {
		return direct, "", func() {}
	}
	tr, err := proxypool.NewTransport(w.transport, entry.Address)
	if err != nil {
		logger.Warn("unusable proxy, going direct", zap.String("proxy", entry.Address), zap.Error(err))
		return direct, "", func() {}
	}
	return &http.Client{Transport: tr}, entry.Address, tr.CloseIdleConnections
}
