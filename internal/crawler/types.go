// Package crawler discovers candidate resource URLs starting from a seed page.
package crawler

import (
	"context"
	"strings"

	"github.com/jiang10061/image-downloader/internal/harvest"
)

// Page is a fetched HTML document.
type Page struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
}

// IsHTML reports whether the page declares (or defaults to) an HTML body.
func (p Page) IsHTML() bool {
	if p.ContentType == "" {
		return true
	}
	ct := strings.ToLower(p.ContentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// PageFetcher retrieves one page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Config bounds the crawl.
type Config struct {
	// MaxDepth is the deepest link level followed; the seed is depth 0.
	MaxDepth int
	// MaxPages caps the total number of fetched pages.
	MaxPages int
	// FollowLinks enables recursion into same-origin hyperlinks.
	FollowLinks bool
}

// Result is the deduplicated output of one crawl.
type Result struct {
	// Resources are candidate downloads in discovery order, unique by Key.
	Resources []harvest.Target
	// Links are normalized same-origin hyperlinks seen on fetched pages.
	Links []string
	// Pages are the page URLs actually fetched.
	Pages []string
}

// ResourceURLs returns the fetch URLs of the discovered resources.
func (r Result) ResourceURLs() []string {
	out := make([]string, 0, len(r.Resources))
	for _, t := range r.Resources {
		out = append(out, t.FetchURL)
	}
	return out
}
