package gcs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorContains(t, err, "client is required")
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	s := &BlobStore{bucket: "b", prefix: "runs/2024"}
	require.Equal(t, "runs/2024/cat.png", s.ObjectName("cat.png"))

	bare := &BlobStore{bucket: "b"}
	require.Equal(t, "cat.png", bare.ObjectName("cat.png"))
}
