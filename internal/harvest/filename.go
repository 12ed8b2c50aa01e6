package harvest

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

const (
	maxStemLen   = 64
	defaultExt   = ".bin"
	maxExtLength = 8
)

// FileName derives the deterministic on-disk name for a dedup key.
// Distinct keys never share a name because of the hash suffix.
func FileName(key string) string {
	hash := hashKey(key)[:16]
	u, err := url.Parse(key)
	if err != nil {
		return hash + defaultExt
	}
	base := path.Base(u.Path)
	ext := strings.ToLower(path.Ext(base))
	if !validExt(ext) {
		ext = defaultExt
	}
	stem := strings.TrimSuffix(base, path.Ext(base))
	stem = strings.Trim(invalidFilenameChars.ReplaceAllString(stem, "_"), "_.")
	if stem == "" {
		stem = invalidFilenameChars.ReplaceAllString(u.Hostname(), "_")
	}
	if len(stem) > maxStemLen {
		stem = stem[:maxStemLen]
	}
	return fmt.Sprintf("%s_%s%s", stem, hash, ext)
}

func validExt(ext string) bool {
	if len(ext) < 2 || len(ext) > maxExtLength {
		return false
	}
	return !invalidFilenameChars.MatchString(ext[1:]) && !strings.Contains(ext[1:], ".")
}

func hashKey(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}
