// Package app builds and holds the long-lived services of one harvester process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/jiang10061/image-downloader/internal/api"
	"github.com/jiang10061/image-downloader/internal/clock/system"
	"github.com/jiang10061/image-downloader/internal/config"
	"github.com/jiang10061/image-downloader/internal/crawler"
	"github.com/jiang10061/image-downloader/internal/dispatcher"
	collyfetcher "github.com/jiang10061/image-downloader/internal/fetcher/colly"
	"github.com/jiang10061/image-downloader/internal/harvest"
	"github.com/jiang10061/image-downloader/internal/hash/sha256"
	"github.com/jiang10061/image-downloader/internal/hooks"
	"github.com/jiang10061/image-downloader/internal/id/uuid"
	"github.com/jiang10061/image-downloader/internal/policy/retry"
	"github.com/jiang10061/image-downloader/internal/progress"
	progresssinks "github.com/jiang10061/image-downloader/internal/progress/sinks"
	"github.com/jiang10061/image-downloader/internal/proxypool"
	gcppublisher "github.com/jiang10061/image-downloader/internal/publisher/pubsub"
	storeprovider "github.com/jiang10061/image-downloader/internal/storage"
	gcsstorage "github.com/jiang10061/image-downloader/internal/storage/gcs"
	localstorage "github.com/jiang10061/image-downloader/internal/storage/local"
	"github.com/jiang10061/image-downloader/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// Report summarizes one Run.
type Report struct {
	RunID      string
	Pages      int
	Discovered int
	Summary    dispatcher.Summary
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runID  string

	store     harvest.Store
	proxies   *proxypool.Pool
	crawler   *crawler.Crawler
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server
	hub       *progress.Hub

	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
}

// Build creates the application's dependencies. Any failure closes what was
// already opened.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID, err := uuid.New().NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	a := &App{cfg: cfg, logger: logger, runID: runID}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.logger.Info("building application dependencies", zap.String("run_id", runID))
	if err = a.setupStore(ctx); err != nil {
		return nil, err
	}
	hook, err := a.setupHooks(ctx)
	if err != nil {
		return nil, err
	}
	a.setupProxies()
	if err = a.setupProgress(); err != nil {
		return nil, err
	}

	base := proxypool.NewBaseTransport()
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.Timeout,
		Transport: base,
	})
	a.crawler = crawler.New(fetcher, crawler.Config{
		MaxDepth:    cfg.Crawl.MaxDepth,
		MaxPages:    cfg.Crawl.MaxPages,
		FollowLinks: cfg.Crawl.FollowLinks,
	}, logger)

	var leaser harvest.ProxyLeaser
	if a.proxies != nil {
		leaser = a.proxies
	}
	w := worker.New(
		a.store,
		leaser,
		retry.New(cfg.Backoff.Base, cfg.Backoff.Max),
		hook,
		sha256.New(),
		base,
		worker.Config{
			RunID:           runID,
			MaxRetries:      cfg.MaxRetries,
			Timeout:         cfg.Timeout,
			UserAgent:       cfg.UserAgent,
			ContentTypes:    cfg.ContentFilter.ContentTypes,
			MinSize:         cfg.ContentFilter.MinSize,
			MaxSize:         cfg.ContentFilter.MaxSize,
			ChunkSize:       cfg.Download.ChunkSize,
			CheckpointBytes: cfg.Download.CheckpointBytes,
			Progress:        a.emitter(),
		},
		logger,
	)
	a.logger.Info("worker config",
		zap.Int("threads", cfg.Threads),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("timeout", cfg.Timeout),
		zap.Strings("content_types", cfg.ContentFilter.ContentTypes),
	)
	a.dispatch = dispatcher.New(w, cfg.Threads, logger)

	if cfg.Metrics.Addr != "" {
		a.apiServer = api.NewServer(a.store, logger)
	}
	return a, nil
}

func (a *App) setupStore(ctx context.Context) error {
	store, err := storeprovider.Open(ctx, storeprovider.Options{
		Driver:      a.cfg.DB.Driver,
		DSN:         a.cfg.DB.DSN,
		Table:       a.cfg.DB.Table,
		MaxConns:    a.cfg.DB.MaxConns,
		AutoMigrate: a.cfg.DB.AutoMigrate,
	})
	if err != nil {
		return fmt.Errorf("store init failed: %w", err)
	}
	a.store = store
	a.logger.Info("dedup store ready",
		zap.String("driver", a.cfg.DB.Driver),
		zap.String("table", a.cfg.DB.Table),
		zap.Int("max_conns", a.cfg.DB.MaxConns),
	)
	return nil
}

func (a *App) setupProxies() {
	if a.cfg.ProxyPool.FeedURL == "" {
		a.logger.Info("no proxy feed configured, downloading directly")
		return
	}
	checker := &proxypool.HTTPChecker{
		Base:      proxypool.NewBaseTransport(),
		CheckURL:  a.cfg.ProxyPool.CheckURL,
		UserAgent: a.cfg.UserAgent,
	}
	a.proxies = proxypool.New(proxypool.Config{
		FeedURL:      a.cfg.ProxyPool.FeedURL,
		CheckTimeout: a.cfg.ProxyPool.CheckTimeout,
		UserAgent:    a.cfg.UserAgent,
	}, checker, nil, a.logger)
}

func (a *App) setupProgress() error {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil
	}
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("progress sink init failed: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:   a.cfg.Progress.BufferSize,
		MaxBatchWait: a.cfg.Progress.MaxBatchWait,
		Logger:       a.logger,
	}, progresssinks.NewLogSink(a.logger.Named("progress_log")), promSink)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", a.cfg.Progress.BufferSize),
		zap.Duration("max_batch_wait", a.cfg.Progress.MaxBatchWait),
	)
	return nil
}

func (a *App) emitter() progress.Emitter {
	if a.hub == nil {
		return progress.Discard
	}
	return a.hub
}

func (a *App) setupHooks(ctx context.Context) (harvest.PostProcessor, error) {
	named := []hooks.Named{{Name: "log", Hook: hooks.Log(a.logger.Named("hooks"))}}

	if a.cfg.Hooks.MirrorDir != "" {
		local, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Hooks.MirrorDir})
		if err != nil {
			return nil, fmt.Errorf("local mirror init failed: %w", err)
		}
		named = append(named, hooks.Named{Name: "local_mirror", Hook: hooks.NewBlobMirror(local)})
		a.logger.Info("local mirror hook enabled", zap.String("dir", a.cfg.Hooks.MirrorDir))
	}

	if a.cfg.Hooks.GCSBucket != "" {
		var err error
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		bucket, err := gcsstorage.New(a.gcsClient, gcsstorage.Config{
			Bucket: a.cfg.Hooks.GCSBucket,
			Prefix: a.cfg.Hooks.GCSPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		named = append(named, hooks.Named{Name: "gcs_mirror", Hook: hooks.NewBlobMirror(bucket)})
		a.logger.Info("gcs mirror hook enabled", zap.String("bucket", a.cfg.Hooks.GCSBucket))
	}

	if a.cfg.Hooks.PubSubProject != "" && a.cfg.Hooks.PubSubTopic != "" {
		var err error
		a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.Hooks.PubSubProject)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.publisher = gcppublisher.New(a.pubsubClient.Topic(a.cfg.Hooks.PubSubTopic))
		named = append(named, hooks.Named{
			Name: "pubsub_notifier",
			Hook: hooks.NewNotifier(a.publisher, a.cfg.Hooks.PubSubTopic, system.New()),
		})
		a.logger.Info("pubsub notifier hook enabled",
			zap.String("project", a.cfg.Hooks.PubSubProject),
			zap.String("topic", a.cfg.Hooks.PubSubTopic),
		)
	}

	return hooks.NewChain(a.logger, named...), nil
}

// RunID identifies this process to the store's claim protocol.
func (a *App) RunID() string {
	return a.runID
}

// Store exposes the dedup store, e.g. for reports.
func (a *App) Store() harvest.Store {
	return a.store
}

// Run crawls seed and downloads every discovered resource into out. It blocks
// until all downloads finish or ctx is canceled.
func (a *App) Run(ctx context.Context, seed, out string) (Report, error) {
	report := Report{RunID: a.runID}

	var srv *http.Server
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              a.cfg.Metrics.Addr,
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown error", zap.Error(err))
			}
		}()
	}

	began := time.Now()
	a.emitter().Emit(progress.Event{RunID: a.runID, TS: began, Stage: progress.StageRunStart, URL: seed})
	defer func() {
		a.emitter().Emit(progress.Event{RunID: a.runID, TS: time.Now(), Stage: progress.StageRunDone, Dur: time.Since(began)})
	}()

	if a.proxies != nil {
		n := a.proxies.Refill(ctx)
		a.logger.Info("proxy pool refilled", zap.Int("candidates", n))
	}

	crawled, err := a.crawler.Crawl(ctx, seed)
	if err != nil {
		return report, fmt.Errorf("crawl %s: %w", seed, err)
	}
	report.Pages = len(crawled.Pages)
	report.Discovered = len(crawled.Resources)
	a.logger.Info("crawl finished",
		zap.String("seed", seed),
		zap.Int("pages", report.Pages),
		zap.Int("resources", report.Discovered),
	)

	summary, err := a.dispatch.Run(ctx, crawled.ResourceURLs(), out)
	report.Summary = summary
	if err != nil {
		return report, err
	}
	return report, nil
}

// Close releases every client the App opened. It is safe on a partially built App.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		cancel()
	}
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	_ = a.logger.Sync() //nolint:errcheck // best-effort flush
}
