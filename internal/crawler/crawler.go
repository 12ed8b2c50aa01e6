package crawler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jiang10061/image-downloader/internal/harvest"
	"github.com/jiang10061/image-downloader/internal/metrics"
)

const defaultMaxPages = 50

// Crawler walks the seed page and, optionally, same-origin pages below it.
type Crawler struct {
	fetcher PageFetcher
	cfg     Config
	logger  *zap.Logger
}

// New builds a Crawler.
func New(fetcher PageFetcher, cfg Config, logger *zap.Logger) *Crawler {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.MaxDepth < 0 {
		cfg.MaxDepth = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{fetcher: fetcher, cfg: cfg, logger: logger.Named("crawler")}
}

// crawlState is owned by a single Crawl call.
type crawlState struct {
	seed      harvest.Target
	visited   visitTracker
	resources []harvest.Target
	resSeen   map[string]struct{}
	links     []string
	linkSeen  map[string]struct{}
	pages     []string
}

// Crawl fetches seed and returns every distinct candidate resource it references.
// A seed fetch failure is returned as *harvest.FetchError; failures on followed
// pages are logged and skipped.
func (c *Crawler) Crawl(ctx context.Context, seed string) (Result, error) {
	seedTarget, err := harvest.NewTarget(seed)
	if err != nil {
		return Result{}, err
	}
	st := &crawlState{
		seed:     seedTarget,
		visited:  newConcurrentVisitTracker(),
		resSeen:  make(map[string]struct{}),
		linkSeen: make(map[string]struct{}),
	}
	if err := c.visit(ctx, st, seedTarget, 0); err != nil {
		return Result{}, err
	}
	c.logger.Info("crawl finished",
		zap.String("seed", seedTarget.FetchURL),
		zap.Int("pages", len(st.pages)),
		zap.Int("resources", len(st.resources)),
	)
	return Result{Resources: st.resources, Links: st.links, Pages: st.pages}, nil
}

func (c *Crawler) visit(ctx context.Context, st *crawlState, target harvest.Target, depth int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("crawl canceled: %w", err)
	}
	if len(st.pages) >= c.cfg.MaxPages {
		return nil
	}
	if !st.visited.MarkIfNew(target.FetchURL) {
		return nil
	}

	page, err := c.fetcher.Fetch(ctx, target.FetchURL)
	if err != nil {
		metrics.ObserveCrawlPage("error")
		if depth == 0 {
			return asFetchError(target.FetchURL, err)
		}
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("crawl canceled: %w", err)
		}
		c.logger.Warn("skipping page", zap.String("url", target.FetchURL), zap.Error(err))
		return nil
	}
	metrics.ObserveCrawlPage("ok")
	st.pages = append(st.pages, target.FetchURL)

	if !page.IsHTML() {
		c.logger.Debug("page is not html", zap.String("url", target.FetchURL), zap.String("content_type", page.ContentType))
		return nil
	}
	resources, links, err := extract(page)
	if err != nil {
		if depth == 0 {
			return asFetchError(target.FetchURL, err)
		}
		c.logger.Warn("skipping unparsable page", zap.String("url", target.FetchURL), zap.Error(err))
		return nil
	}
	for _, raw := range resources {
		st.addResource(raw)
	}

	var next []harvest.Target
	for _, raw := range links {
		if !harvest.SameOrigin(st.seed.FetchURL, raw) {
			continue
		}
		t, err := harvest.NewTarget(raw)
		if err != nil {
			continue
		}
		if _, dup := st.linkSeen[t.FetchURL]; !dup {
			st.linkSeen[t.FetchURL] = struct{}{}
			st.links = append(st.links, t.FetchURL)
		}
		next = append(next, t)
	}

	if !c.cfg.FollowLinks || depth >= c.cfg.MaxDepth {
		return nil
	}
	for _, t := range next {
		if err := c.visit(ctx, st, t, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (st *crawlState) addResource(raw string) {
	t, err := harvest.NewTarget(raw)
	if err != nil {
		return
	}
	if _, dup := st.resSeen[t.Key]; dup {
		return
	}
	st.resSeen[t.Key] = struct{}{}
	st.resources = append(st.resources, t)
}

func asFetchError(url string, err error) error {
	var fe *harvest.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &harvest.FetchError{URL: url, Err: err}
}
