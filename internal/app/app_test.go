package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jiang10061/image-downloader/internal/config"
	"github.com/jiang10061/image-downloader/internal/harvest"
)

func testConfig() config.Config {
	return config.Config{
		OutputDir:     "downloads",
		Threads:       2,
		MaxRetries:    1,
		Timeout:       2 * time.Second,
		UserAgent:     "harvester-test",
		Backoff:       config.BackoffConfig{Base: time.Millisecond, Max: 5 * time.Millisecond},
		ContentFilter: config.ContentFilterConfig{ContentTypes: []string{"image/*"}, MaxSize: 1 << 20},
		Crawl:         config.CrawlConfig{MaxDepth: 1, MaxPages: 10, FollowLinks: true},
		DB:            config.DBConfig{Driver: config.DriverMemory, Table: "images", MaxConns: 4},
		Download:      config.DownloadConfig{ChunkSize: 1024, CheckpointBytes: 4096},
		Logging:       config.LoggingConfig{Level: "info"},
	}
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><img src="/img/a.png"><img data-src="/img/b.png"><a href="/more">more</a></body></html>`)
	})
	mux.HandleFunc("/more", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<img src="/img/c.png"><img src="/img/a.png?v=2"><img src="/page.html">`)
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprintf(w, "png-bytes-for-%s", r.URL.Path)
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<p>not an image</p>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildAndRun(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	cfg := testConfig()
	cfg.Hooks.MirrorDir = t.TempDir()

	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	require.NotEmpty(t, a.RunID())

	out := filepath.Join(t.TempDir(), "out")
	report, err := a.Run(context.Background(), site.URL+"/", out)
	require.NoError(t, err)
	require.Equal(t, a.RunID(), report.RunID)
	require.Equal(t, 2, report.Pages)
	require.Equal(t, 4, report.Discovered)
	require.Equal(t, 3, report.Summary.Completed)
	require.Equal(t, 1, report.Summary.Blocked)

	rec, err := a.Store().Get(context.Background(), site.URL+"/img/a.png")
	require.NoError(t, err)
	require.Equal(t, harvest.StatusCompleted, rec.Status)
	require.NotEmpty(t, rec.Hash)
	data, err := os.ReadFile(rec.LocalPath)
	require.NoError(t, err)
	require.Equal(t, "png-bytes-for-/img/a.png", string(data))

	mirrored, err := os.ReadDir(cfg.Hooks.MirrorDir)
	require.NoError(t, err)
	require.Len(t, mirrored, 3)

	again, err := a.Run(context.Background(), site.URL+"/", out)
	require.NoError(t, err)
	require.Equal(t, 4, again.Summary.Skipped)
	require.Zero(t, again.Summary.Completed)
}

func TestRunTenLinksWithFlakyResource(t *testing.T) {
	t.Parallel()

	var (
		flakyHits atomic.Int32
		inFlight  atomic.Int32
		peak      atomic.Int32
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		var page strings.Builder
		for i := 1; i <= 8; i++ {
			fmt.Fprintf(&page, `<img src="/img/%d.png">`, i)
		}
		page.WriteString(`<img src="/img/flaky.png"><img src="/img/flaky.png?dup=1">`)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, page.String())
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		if r.URL.Path == "/img/flaky.png" && flakyHits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		fmt.Fprintf(w, "png-bytes-for-%s", r.URL.Path)
	})
	site := httptest.NewServer(mux)
	defer site.Close()

	cfg := testConfig()
	cfg.Threads = 3
	cfg.MaxRetries = 2
	cfg.Crawl.FollowLinks = false

	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	report, err := a.Run(context.Background(), site.URL+"/", t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 9, report.Discovered)
	require.Equal(t, 9, report.Summary.Completed)
	require.Zero(t, report.Summary.Failed)
	require.LessOrEqual(t, peak.Load(), int32(3))
	require.EqualValues(t, 3, flakyHits.Load())

	rec, err := a.Store().Get(context.Background(), site.URL+"/img/flaky.png")
	require.NoError(t, err)
	require.Equal(t, harvest.StatusCompleted, rec.Status)
	require.Equal(t, 2, rec.RetryCount)

	records, err := a.Store().List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 9)
}

func TestRunWithProgressHub(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	cfg := testConfig()
	cfg.Progress = config.ProgressConfig{Enabled: true, BufferSize: 64, MaxBatchWait: 10 * time.Millisecond}
	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, a.hub)

	report, err := a.Run(context.Background(), site.URL+"/", t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 3, report.Summary.Completed)
	a.Close()
	require.Zero(t, a.hub.Dropped())
}

func TestRunSeedFailure(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	a, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Run(context.Background(), site.URL+"/missing", t.TempDir())
	var fe *harvest.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusNotFound, fe.StatusCode)
}

func TestRunServesMetricsEndpoint(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	cfg := testConfig()
	cfg.Metrics.Addr = "127.0.0.1:0"
	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.apiServer)

	report, err := a.Run(context.Background(), site.URL+"/", t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 3, report.Summary.Completed)
}

func TestRunWithUnreachableProxyFeedGoesDirect(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	cfg := testConfig()
	cfg.ProxyPool = config.ProxyPoolConfig{
		FeedURL:      site.URL + "/no-feed",
		CheckURL:     site.URL + "/img/check.png",
		CheckTimeout: time.Second,
	}
	a, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.proxies)

	report, err := a.Run(context.Background(), site.URL+"/", t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 3, report.Summary.Completed)
}

func TestBuildRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.DB.Driver = "mysql"
	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestBuildRejectsBadMirrorDir(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	cfg := testConfig()
	cfg.Hooks.MirrorDir = file
	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)
}

func TestRunCanceled(t *testing.T) {
	t.Parallel()

	site := newSite(t)
	a, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Run(ctx, site.URL+"/", t.TempDir())
	require.ErrorIs(t, err, context.Canceled)
}
