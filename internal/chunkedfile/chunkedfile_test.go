package chunkedfile_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repertory/internal/chunkedfile"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obj")
	f, err := chunkedfile.Open(path)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write(10, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = f.Read(10, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestReadShortAtEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obj")
	f, err := chunkedfile.Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write(0, []byte("abc"))
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := f.Read(0, buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestTruncateGrowAndShrink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obj")
	f, err := chunkedfile.Open(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Truncate(100))
	size, err := f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(100), size)

	require.NoError(t, f.Truncate(10))
	size, err = f.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "obj")
	f, err := chunkedfile.Open(path)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, chunkedfile.Remove(path))
	require.NoError(t, chunkedfile.Remove(path)) // idempotent on missing file
}
