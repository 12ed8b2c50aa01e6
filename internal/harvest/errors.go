package harvest

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrBlockedContentType reports a response whose Content-Type is not allowed.
	ErrBlockedContentType = errors.New("content type not allowed")
	// ErrSizeOutOfBounds reports a response outside the configured size window.
	ErrSizeOutOfBounds = errors.New("size out of bounds")
	// ErrFilesystem reports a local write failure.
	ErrFilesystem = errors.New("filesystem error")
	// ErrStore reports a dedup store failure. It is fatal to a run.
	ErrStore = errors.New("store error")
	// ErrNotFound reports a missing store record.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidURL reports a URL that cannot be normalized.
	ErrInvalidURL = errors.New("invalid url")
)

// HTTPStatusError is a non-success response status.
type HTTPStatusError struct {
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// FetchError reports a page that could not be fetched.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// StoreError wraps err so errors.Is(err, ErrStore) holds.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
