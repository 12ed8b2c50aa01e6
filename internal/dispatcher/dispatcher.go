// Package dispatcher fans a URL set out to workers under a bounded admission gate.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jiang10061/image-downloader/internal/harvest"
	"github.com/jiang10061/image-downloader/internal/worker"
)

// Processor downloads a single target. *worker.Worker satisfies it.
type Processor interface {
	Process(ctx context.Context, gate worker.Gate, target harvest.Target, folder string) (worker.Result, error)
}

// Summary counts per-URL outcomes of one run.
type Summary struct {
	Completed int
	Failed    int
	Blocked   int
	Invalid   int
	Skipped   int
	Rejected  int
}

// Total is the number of URLs the run was given.
func (s Summary) Total() int {
	return s.Completed + s.Failed + s.Blocked + s.Invalid + s.Skipped + s.Rejected
}

func (s *Summary) add(res worker.Result) {
	if res.Skipped {
		s.Skipped++
		return
	}
	switch res.Status {
	case harvest.StatusCompleted:
		s.Completed++
	case harvest.StatusBlocked:
		s.Blocked++
	case harvest.StatusInvalid:
		s.Invalid++
	default:
		s.Failed++
	}
}

// Dispatcher runs one goroutine per target; at most concurrency of them hold the gate.
type Dispatcher struct {
	proc        Processor
	concurrency int
	logger      *zap.Logger
}

// New creates a Dispatcher.
func New(proc Processor, concurrency int, logger *zap.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{proc: proc, concurrency: concurrency, logger: logger.Named("dispatcher")}
}

// Run downloads urls into folder. It returns an error only when the run had to
// stop: the folder could not be created, a store call failed, or ctx ended.
func (d *Dispatcher) Run(ctx context.Context, urls []string, folder string) (Summary, error) {
	var summary Summary
	if err := os.MkdirAll(folder, 0o750); err != nil {
		return summary, fmt.Errorf("%w: create output folder %s: %w", harvest.ErrFilesystem, folder, err)
	}

	targets, rejected := Dedup(urls)
	summary.Rejected = len(rejected)
	for _, raw := range rejected {
		d.logger.Warn("rejecting url", zap.String("url", raw))
	}

	start := time.Now()
	gate := semaphore.NewWeighted(int64(d.concurrency))
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, target := range targets {
		g.Go(func() error {
			res, err := d.proc.Process(gctx, gate, target, folder)
			if err != nil {
				return err
			}
			mu.Lock()
			summary.add(res)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	fields := []zap.Field{
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("blocked", summary.Blocked),
		zap.Int("invalid", summary.Invalid),
		zap.Int("skipped", summary.Skipped),
		zap.Int("rejected", summary.Rejected),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		d.logger.Error("download run aborted", append(fields, zap.Error(err))...)
		return summary, fmt.Errorf("download run aborted: %w", err)
	}
	d.logger.Info("download run finished", fields...)
	return summary, nil
}

// Dedup normalizes urls and keeps the first occurrence of each key.
// Unparsable entries are returned separately.
func Dedup(urls []string) ([]harvest.Target, []string) {
	seen := make(map[string]struct{}, len(urls))
	targets := make([]harvest.Target, 0, len(urls))
	var rejected []string
	for _, raw := range urls {
		target, err := harvest.NewTarget(raw)
		if err != nil {
			rejected = append(rejected, raw)
			continue
		}
		if _, dup := seen[target.Key]; dup {
			continue
		}
		seen[target.Key] = struct{}{}
		targets = append(targets, target)
	}
	return targets, rejected
}
