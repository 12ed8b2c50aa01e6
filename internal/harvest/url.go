package harvest

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL into its dedup key.
// It lowercases the scheme and host, removes default ports, and strips the
// fragment and the query.
func NormalizeURL(rawURL string) (string, error) {
	target, err := NewTarget(rawURL)
	if err != nil {
		return "", err
	}
	return target.Key, nil
}

// NewTarget builds a Target from an absolute http(s) URL. The fetch URL keeps
// the query; the key does not.
func NewTarget(rawURL string) (Target, error) {
	u, err := canonical(rawURL)
	if err != nil {
		return Target{}, err
	}
	fetch := u.String()
	u.RawQuery = ""
	u.ForceQuery = false
	return Target{Key: u.String(), FetchURL: fetch}, nil
}

// SameOrigin reports whether a and b share scheme and host after normalization.
func SameOrigin(a, b string) bool {
	ua, err := canonical(a)
	if err != nil {
		return false
	}
	ub, err := canonical(b)
	if err != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && ua.Host == ub.Host
}

func canonical(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: parse %q: %w", ErrInvalidURL, rawURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidURL, rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, rawURL)
	}
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u, nil
}
