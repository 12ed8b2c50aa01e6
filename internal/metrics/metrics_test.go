package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/img.png", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if downloadsTotal == nil || downloadRetriesTotal == nil || proxyLeasesTotal == nil || activeWorkers == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveDownload(t *testing.T) {
	before := testutil.ToFloat64(downloadsTotalFor("metrics-test.example", "completed"))
	ObserveDownload("https://metrics-test.example/a.png", "completed", 128, 10*time.Millisecond)
	after := testutil.ToFloat64(downloadsTotalFor("metrics-test.example", "completed"))
	if after-before != 1 {
		t.Fatalf("expected downloads counter to grow by 1, got %f", after-before)
	}
	if got := testutil.ToFloat64(downloadBytesTotal.WithLabelValues("metrics-test.example")); got < 128 {
		t.Fatalf("expected at least 128 bytes recorded, got %f", got)
	}
}

func TestObserveProxyLeaseAndRetry(t *testing.T) {
	Init()
	before := testutil.ToFloat64(proxyLeasesTotal.WithLabelValues("discarded"))
	ObserveProxyLease("discarded")
	ObserveProxyLease("discarded")
	if got := testutil.ToFloat64(proxyLeasesTotal.WithLabelValues("discarded")) - before; got != 2 {
		t.Fatalf("expected 2 discarded leases, got %f", got)
	}

	retryBefore := testutil.ToFloat64(downloadRetriesTotal.WithLabelValues("retry.example"))
	ObserveRetry("https://retry.example/x.jpg")
	if got := testutil.ToFloat64(downloadRetriesTotal.WithLabelValues("retry.example")) - retryBefore; got != 1 {
		t.Fatalf("expected 1 retry, got %f", got)
	}
}

func TestActiveWorkersGauge(t *testing.T) {
	Init()
	base := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers) - base; got != 1 {
		t.Fatalf("expected gauge delta 1, got %f", got)
	}
}

func TestObserveHookFailureAndCrawlPage(t *testing.T) {
	Init()
	hookBefore := testutil.ToFloat64(hookFailuresTotal.WithLabelValues("mirror"))
	ObserveHookFailure("mirror")
	if got := testutil.ToFloat64(hookFailuresTotal.WithLabelValues("mirror")) - hookBefore; got != 1 {
		t.Fatalf("expected 1 hook failure, got %f", got)
	}

	pageBefore := testutil.ToFloat64(crawlPagesTotal.WithLabelValues("ok"))
	ObserveCrawlPage("ok")
	if got := testutil.ToFloat64(crawlPagesTotal.WithLabelValues("ok")) - pageBefore; got != 1 {
		t.Fatalf("expected 1 crawled page, got %f", got)
	}
}

func downloadsTotalFor(site, status string) prometheus.Counter {
	Init()
	return downloadsTotal.WithLabelValues(site, status)
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
