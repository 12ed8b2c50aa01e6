package proxypool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeChecker struct {
	mu    sync.Mutex
	dead  map[string]bool
	calls []string
}

func (c *fakeChecker) Check(_ context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, address)
	if c.dead[address] {
		return errors.New("connection refused")
	}
	return nil
}

func feedServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestParseFeed(t *testing.T) {
	t.Parallel()

	feed := strings.Join([]string{
		"# free proxies",
		"10.0.0.1:8080",
		"",
		"  10.0.0.1:8080  ",
		"SOCKS5://10.0.0.2:1080",
		"https://10.0.0.3:443",
		"ftp://10.0.0.4:21",
		"not a proxy",
		"10.0.0.5",
	}, "\n")

	got := ParseFeed(strings.NewReader(feed))
	require.Equal(t, []string{
		"http://10.0.0.1:8080",
		"socks5://10.0.0.2:1080",
		"https://10.0.0.3:443",
	}, got)
}

func TestRefillAndLease(t *testing.T) {
	t.Parallel()

	srv := feedServer(t, "10.0.0.1:80\n10.0.0.2:80\n10.0.0.3:80\n", http.StatusOK)
	checker := &fakeChecker{dead: map[string]bool{"http://10.0.0.3:80": true}}
	pool := New(Config{FeedURL: srv.URL}, checker, srv.Client(), zap.NewNop())

	require.Equal(t, 3, pool.Refill(context.Background()))

	first, ok := pool.Lease(context.Background())
	require.True(t, ok)
	require.True(t, first.Verified)
	require.Equal(t, "http://10.0.0.2:80", first.Address, "dead candidate popped first is discarded")

	second, ok := pool.Lease(context.Background())
	require.True(t, ok)
	require.Equal(t, "http://10.0.0.1:80", second.Address)

	_, ok = pool.Lease(context.Background())
	require.False(t, ok)
	require.Zero(t, pool.Len())
	require.Len(t, checker.calls, 3)
}

func TestRefillFeedFailureLeavesPoolEmpty(t *testing.T) {
	t.Parallel()

	srv := feedServer(t, "oops", http.StatusInternalServerError)
	pool := New(Config{FeedURL: srv.URL}, &fakeChecker{}, srv.Client(), zap.NewNop())

	require.Zero(t, pool.Refill(context.Background()))
	_, ok := pool.Lease(context.Background())
	require.False(t, ok)
}

func TestRefillWithoutFeed(t *testing.T) {
	t.Parallel()

	pool := New(Config{}, nil, nil, nil)
	require.Zero(t, pool.Refill(context.Background()))
	_, ok := pool.Lease(context.Background())
	require.False(t, ok)
}

func TestConcurrentLeasesAreDistinct(t *testing.T) {
	t.Parallel()

	const total = 50
	var lines []string
	for i := 0; i < total; i++ {
		lines = append(lines, fmt.Sprintf("10.0.%d.%d:3128", i/250, i%250))
	}
	srv := feedServer(t, strings.Join(lines, "\n"), http.StatusOK)
	pool := New(Config{FeedURL: srv.URL}, &fakeChecker{}, srv.Client(), zap.NewNop())
	require.Equal(t, total, pool.Refill(context.Background()))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				entry, ok := pool.Lease(context.Background())
				if !ok {
					return
				}
				mu.Lock()
				seen[entry.Address]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
	for addr, n := range seen {
		require.Equal(t, 1, n, addr)
	}
}

type slowChecker struct{}

func (slowChecker) Check(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestLeaseBoundsCheckTime(t *testing.T) {
	t.Parallel()

	srv := feedServer(t, "10.0.0.1:80\n10.0.0.2:80\n", http.StatusOK)
	pool := New(Config{FeedURL: srv.URL, CheckTimeout: 20 * time.Millisecond}, slowChecker{}, srv.Client(), zap.NewNop())
	pool.Refill(context.Background())

	start := time.Now()
	_, ok := pool.Lease(context.Background())
	require.False(t, ok)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestLeaseStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	srv := feedServer(t, "10.0.0.1:80\n", http.StatusOK)
	pool := New(Config{FeedURL: srv.URL}, &fakeChecker{}, srv.Client(), zap.NewNop())
	pool.Refill(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := pool.Lease(ctx)
	require.False(t, ok)
	require.Equal(t, 1, pool.Len())
}
