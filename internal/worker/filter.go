package worker

import (
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/jiang10061/image-downloader/internal/harvest"
)

// contentFilter checks responses against the allow-list and size window.
type contentFilter struct {
	types   []string
	minSize int64
	maxSize int64
}

func newContentFilter(types []string, minSize, maxSize int64) contentFilter {
	normalized := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			normalized = append(normalized, t)
		}
	}
	return contentFilter{types: normalized, minSize: minSize, maxSize: maxSize}
}

// allowType matches the media type of header. An empty allow-list admits everything.
// Entries ending in "/*" match any subtype.
func (f contentFilter) allowType(header string) error {
	if len(f.types) == 0 {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(header, ";")[0]))
	}
	for _, allowed := range f.types {
		if allowed == mediaType {
			return nil
		}
		if prefix, ok := strings.CutSuffix(allowed, "/*"); ok && strings.HasPrefix(mediaType, prefix+"/") {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", harvest.ErrBlockedContentType, header)
}

// checkTotal validates a known total size. Negative totals are unknown and pass.
func (f contentFilter) checkTotal(total int64) error {
	if total < 0 {
		return nil
	}
	if f.minSize > 0 && total < f.minSize {
		return fmt.Errorf("%w: %d bytes below minimum %d", harvest.ErrSizeOutOfBounds, total, f.minSize)
	}
	return f.checkMax(total)
}

func (f contentFilter) checkMax(n int64) error {
	if f.maxSize > 0 && n > f.maxSize {
		return fmt.Errorf("%w: %d bytes above maximum %d", harvest.ErrSizeOutOfBounds, n, f.maxSize)
	}
	return nil
}

// parseContentRange reads "bytes start-end/total". total is -1 when the server sends "*".
func parseContentRange(header string) (start, total int64, ok bool) {
	rangeSpec, found := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !found {
		return 0, 0, false
	}
	span, size, found := strings.Cut(rangeSpec, "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	if size == "*" {
		return start, -1, true
	}
	total, err = strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, total, true
}
