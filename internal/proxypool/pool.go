// Package proxypool maintains a run-scoped pool of untrusted proxies that are
// validated lazily at lease time.
package proxypool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jiang10061/image-downloader/internal/harvest"
	"github.com/jiang10061/image-downloader/internal/metrics"
)

const (
	defaultCheckTimeout = 3 * time.Second
	maxFeedBytes        = 4 << 20
)

// Config controls where candidates come from and how they are checked.
type Config struct {
	FeedURL      string
	CheckTimeout time.Duration
	UserAgent    string
}

// Checker validates one candidate address.
type Checker interface {
	Check(ctx context.Context, address string) error
}

// Pool hands out each candidate at most once. Failed candidates are dropped for the run.
type Pool struct {
	cfg     Config
	client  *http.Client
	checker Checker
	logger  *zap.Logger

	mu         sync.Mutex
	candidates []string
}

var _ harvest.ProxyLeaser = (*Pool)(nil)

// New builds an empty Pool. client fetches the feed; nil uses a client with CheckTimeout.
func New(cfg Config, checker Checker, client *http.Client, logger *zap.Logger) *Pool {
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = defaultCheckTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		client:  client,
		checker: checker,
		logger:  logger.Named("proxypool"),
	}
}

// Refill replaces the candidate list from the feed and returns the new size.
// Feed failures are logged and leave the pool empty.
func (p *Pool) Refill(ctx context.Context) int {
	if p.cfg.FeedURL == "" {
		p.set(nil)
		return 0
	}
	addrs, err := p.fetchFeed(ctx)
	if err != nil {
		p.logger.Warn("proxy feed unavailable, using direct connections",
			zap.String("feed_url", p.cfg.FeedURL),
			zap.Error(err),
		)
		p.set(nil)
		return 0
	}
	p.set(addrs)
	p.logger.Info("proxy pool refilled", zap.Int("candidates", len(addrs)))
	return len(addrs)
}

func (p *Pool) fetchFeed(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, &harvest.HTTPStatusError{Code: resp.StatusCode}
	}
	return ParseFeed(io.LimitReader(resp.Body, maxFeedBytes)), nil
}

// ParseFeed reads one proxy per line, skipping blanks, comments and malformed
// entries. Bare host:port entries are treated as HTTP proxies.
func ParseFeed(r io.Reader) []string {
	seen := make(map[string]struct{})
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		addr, ok := normalizeAddress(scanner.Text())
		if !ok {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func normalizeAddress(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", false
	}
	if !strings.Contains(line, "://") {
		line = "http://" + line
	}
	u, err := url.Parse(line)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks5", "socks5h":
	default:
		return "", false
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil || host == "" || port == "" {
		return "", false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), true
}

func (p *Pool) set(addrs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = addrs
}

func (p *Pool) pop() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.candidates)
	if n == 0 {
		return "", false
	}
	addr := p.candidates[n-1]
	p.candidates = p.candidates[:n-1]
	return addr, true
}

// Len reports the number of unleased candidates.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

// Lease pops candidates until one passes its check. It returns false when the
// pool is exhausted or ctx ends; it never waits for a refill.
func (p *Pool) Lease(ctx context.Context) (harvest.ProxyEntry, bool) {
	for {
		if ctx.Err() != nil {
			return harvest.ProxyEntry{}, false
		}
		addr, ok := p.pop()
		if !ok {
			metrics.ObserveProxyLease("exhausted")
			return harvest.ProxyEntry{}, false
		}
		if p.checker == nil {
			metrics.ObserveProxyLease("leased")
			return harvest.ProxyEntry{Address: addr}, true
		}
		checkCtx, cancel := context.WithTimeout(ctx, p.cfg.CheckTimeout)
		err := p.checker.Check(checkCtx, addr)
		cancel()
		if err == nil {
			metrics.ObserveProxyLease("leased")
			return harvest.ProxyEntry{Address: addr, Verified: true}, true
		}
		metrics.ObserveProxyLease("discarded")
		p.logger.Debug("discarding dead proxy", zap.String("proxy", addr), zap.Error(err))
	}
}
