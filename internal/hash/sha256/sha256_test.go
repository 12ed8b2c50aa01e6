// Package sha256 includes tests for the SHA-256 hasher adapter.
package sha256

import (
	"os"
	"path/filepath"
	"testing"
)

const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if got != helloDigest {
		t.Fatalf("expected %s, got %s", helloDigest, got)
	}
}

// TestHasherHashFileMatchesHash checks streaming and in-memory digests agree.
func TestHasherHashFileMatchesHash(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	got, err := New().HashFile(path)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	if got != helloDigest {
		t.Fatalf("expected %s, got %s", helloDigest, got)
	}
}

func TestHasherHashFileMissing(t *testing.T) {
	t.Parallel()

	if _, err := New().HashFile(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
