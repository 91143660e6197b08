package openfile_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repertory/internal/models"
	"repertory/internal/openfile"
)

func newTestDirect(t *testing.T, seed []byte) (*openfile.DirectFile, *fakeProvider) {
	t.Helper()
	prov := &fakeProvider{data: seed}
	fsi := models.FilesystemItem{ApiPath: "/remote.bin", Size: uint64(len(seed))}
	return openfile.NewDirect(fsi, prov), prov
}

func TestDirectFileReadIssuesProviderCall(t *testing.T) {
	f, _ := newTestDirect(t, []byte("hello world"))

	got, aerr := f.Read(context.Background(), 6, 5)
	require.Nil(t, aerr)
	assert.Equal(t, "world", string(got))
}

func TestDirectFileSourcePathAlwaysEmpty(t *testing.T) {
	f, _ := newTestDirect(t, []byte("data"))
	assert.Empty(t, f.SourcePath())
}

func TestDirectFileNeverCachesOnDisk(t *testing.T) {
	f, _ := newTestDirect(t, []byte("data"))
	assert.True(t, f.IsWritable())
	assert.Empty(t, f.SourcePath())
}

func TestDirectFileWriteThenCloseUploadsMergedBuffer(t *testing.T) {
	f, prov := newTestDirect(t, []byte("hello world"))

	n, aerr := f.Write(context.Background(), 6, []byte("there"))
	require.Nil(t, aerr)
	assert.Equal(t, 5, n)
	assert.True(t, f.IsModified())

	require.Nil(t, f.Close())
	assert.Equal(t, "hello there", string(prov.uploaded["/remote.bin"]))
}

func TestDirectFileCloseWithoutModificationSkipsUpload(t *testing.T) {
	f, prov := newTestDirect(t, []byte("unchanged"))

	require.Nil(t, f.Close())
	assert.Nil(t, prov.uploaded)
}

func TestDirectFileResizeGrowsBuffer(t *testing.T) {
	f, prov := newTestDirect(t, []byte("ab"))

	require.Nil(t, f.Resize(4))
	assert.EqualValues(t, 4, f.Size())

	require.Nil(t, f.Close())
	assert.Equal(t, "ab\x00\x00", string(prov.uploaded["/remote.bin"]))
}

func TestDirectFileHandleLifecycle(t *testing.T) {
	f, _ := newTestDirect(t, nil)

	require.Nil(t, f.Add(1, openfile.FlagRead))
	assert.Equal(t, 1, f.HandleCount())
	assert.False(t, f.CanClose())

	require.Nil(t, f.Remove(1))
	assert.Equal(t, 0, f.HandleCount())
	assert.True(t, f.CanClose())
}
