package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// resourceSelector matches every element that may carry a resource URL.
const resourceSelector = "img, picture source, video source, audio source, video, audio"

// resourceAttrs lists, per element name, the attributes read from it.
var resourceAttrs = map[string][]string{
	"img":    {"src", "data-src", "data-original", "srcset"},
	"source": {"src", "srcset"},
	"video":  {"src", "poster"},
	"audio":  {"src"},
}

// extract returns absolute resource URLs and hyperlink URLs found in page, in document order.
func extract(page Page) ([]string, []string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html: %w", err)
	}
	base, err := baseURL(doc, page)
	if err != nil {
		return nil, nil, err
	}

	var resources []string
	doc.Find(resourceSelector).Each(func(_ int, s *goquery.Selection) {
		for _, attr := range resourceAttrs[goquery.NodeName(s)] {
			raw, ok := s.Attr(attr)
			if !ok {
				continue
			}
			if attr == "srcset" {
				raw = firstSrcsetCandidate(raw)
			}
			if abs, ok := resolve(base, raw); ok {
				resources = append(resources, abs)
			}
		}
	})

	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if abs, ok := resolve(base, href); ok {
			links = append(links, abs)
		}
	})
	return resources, links, nil
}

func baseURL(doc *goquery.Document, page Page) (*url.URL, error) {
	raw := page.FinalURL
	if raw == "" {
		raw = page.URL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse page url %q: %w", raw, err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if declared, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = declared
		}
	}
	return base, nil
}

func resolve(base *url.URL, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", false
	}
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "javascript:") || strings.HasPrefix(lower, "mailto:") {
		return "", false
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}

// firstSrcsetCandidate returns the URL of the first "url descriptor" pair.
func firstSrcsetCandidate(srcset string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(srcset), ",")
	fields := strings.Fields(first)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
