package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/jiang10061/image-downloader/internal/crawler"
	"github.com/jiang10061/image-downloader/internal/harvest"
)

func TestFetcherBuildCollector(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", Timeout: time.Second, MaxBodySize: 1024})
	collector := f.buildCollector(context.Background(), "https://example.com", &crawler.Page{}, new(error))
	require.Equal(t, "coverage-agent", collector.UserAgent)
	require.True(t, collector.IgnoreRobotsTxt)
	require.True(t, collector.AllowURLRevisit)
	require.Equal(t, 1024, collector.MaxBodySize)
	require.Equal(t, context.Background(), collector.Context)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	var result crawler.Page
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, "https://example.com", &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Contains(t, collyReq.Headers.Get("Accept"), "text/html")

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("<html></html>"),
		Headers:    &http.Header{"Content-Type": {"text/html"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/landing")},
	})
	require.Equal(t, "https://example.com", result.URL)
	require.Equal(t, "https://example.com/landing", result.FinalURL)
	require.Equal(t, "text/html", result.ContentType)
	require.True(t, result.IsHTML())

	hooks.onError(&colly.Response{StatusCode: http.StatusForbidden}, errors.New("Forbidden"))
	var fe *harvest.FetchError
	require.ErrorAs(t, fetchErr, &fe)
	require.Equal(t, http.StatusForbidden, fe.StatusCode)

	hooks.onError(nil, errors.New("boom"))
	require.ErrorAs(t, fetchErr, &fe)
	require.Zero(t, fe.StatusCode)
	require.ErrorContains(t, fe, "boom")
}

func TestFetchAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			if r.UserAgent() != "page-agent" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<img src="/a.png">`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "page-agent", Timeout: 2 * time.Second})
	page, err := f.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Contains(t, string(page.Body), "a.png")

	// Revisits are allowed so repeated fetches of one URL do not error.
	_, err = f.Fetch(context.Background(), srv.URL+"/")
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	var fe *harvest.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusNotFound, fe.StatusCode)
}

func TestFetchCanceled(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{}).Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, context.Canceled)
}

func TestFetchCancelAbortsInflightRequest(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
		close(aborted)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := New(Config{Timeout: 30 * time.Second}).Fetch(ctx, srv.URL)
		errCh <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("request never reached the server")
	}
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("server-side request stayed open after cancel")
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
