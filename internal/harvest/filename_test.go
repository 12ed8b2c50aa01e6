package harvest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileNameKeepsExtension(t *testing.T) {
	t.Parallel()

	name := FileName("https://example.com/images/cat.JPG")
	require.True(t, strings.HasPrefix(name, "cat_"), name)
	require.True(t, strings.HasSuffix(name, ".jpg"), name)
}

func TestFileNameFallsBackToBin(t *testing.T) {
	t.Parallel()

	testCases := []string{
		"https://example.com/",
		"https://example.com/render",
		"https://example.com/file.<script>",
		"https://example.com/archive.verylongextension",
	}
	for _, key := range testCases {
		name := FileName(key)
		assert.True(t, strings.HasSuffix(name, ".bin"), "%s -> %s", key, name)
		assert.NotContains(t, name, "/")
	}
}

func TestFileNameDeterministicAndDistinct(t *testing.T) {
	t.Parallel()

	a := FileName("https://example.com/a/logo.png")
	b := FileName("https://example.com/b/logo.png")
	require.Equal(t, a, FileName("https://example.com/a/logo.png"))
	require.NotEqual(t, a, b)
}

func TestFileNameSanitizesStem(t *testing.T) {
	t.Parallel()

	name := FileName("https://example.com/my%20photo%20(1).png")
	require.Regexp(t, `^[a-zA-Z0-9._-]+$`, name)
}
