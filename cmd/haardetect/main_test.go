package main

import (
	"image"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("open file descriptors cannot be listed on this platform")
	}
	return len(entries)
}

func TestPathToFile_ClosesSourceOnDestinationError(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	require.NoError(t, os.WriteFile(in, []byte("png"), 0o644))
	out := filepath.Join(dir, "missing", "out.png")

	before := openFiles(t)
	for i := 0; i < 20; i++ {
		src, dst, err := pathToFile(in, out)
		require.Error(t, err)
		assert.Nil(t, src)
		assert.Nil(t, dst)
	}
	assert.Less(t, openFiles(t)-before, 20)
}

func TestPathToFile_OpensBothEnds(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	require.NoError(t, os.WriteFile(in, []byte("png"), 0o644))
	out := filepath.Join(dir, "out.png")

	src, dst, err := pathToFile(in, out)
	require.NoError(t, err)
	defer closeIfFile(src)
	defer closeIfFile(dst)
	assert.FileExists(t, out)
}

func TestEncodeImage_UnsupportedFormat(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	assert.Error(t, encodeImage(io.Discard, "out.gif", img))
}
