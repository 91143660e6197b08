package encryptprovider_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repertory/internal/apierror"
	"repertory/internal/provider/encryptprovider"
)

func newTestProvider(t *testing.T) *encryptprovider.Provider {
	t.Helper()
	dir := t.TempDir()
	raw := []byte(`{"path":"` + dir + `","password":"hunter2","salt":"saltsaltsalt"}`)
	p, err := encryptprovider.New(raw)
	require.NoError(t, err)
	return p.(*encryptprovider.Provider)
}

func TestNewRequiresPath(t *testing.T) {
	_, err := encryptprovider.New([]byte(`{"password":"x"}`))
	assert.Error(t, err)
}

func TestCreateAndGetFilesystemItem(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	aerr := p.CreateFile(ctx, "/a.txt", nil)
	require.Nil(t, aerr)

	item, aerr := p.GetFilesystemItem(ctx, "/a.txt", false)
	require.Nil(t, aerr)
	assert.False(t, item.Directory)
}

func TestGetFilesystemItemMissing(t *testing.T) {
	p := newTestProvider(t)
	_, aerr := p.GetFilesystemItem(context.Background(), "/missing", false)
	require.NotNil(t, aerr)
	assert.Equal(t, apierror.ItemNotFound, aerr.Code)
}

func TestUploadThenReadRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	srcDir := t.TempDir()
	srcFile := filepath.Join(srcDir, "plain")
	require.NoError(t, os.WriteFile(srcFile, []byte("hello world!!!!"), 0o600))

	require.Nil(t, p.UploadFile(ctx, "/obj", srcFile))

	buf := make([]byte, 15)
	aerr := p.ReadFileBytes(ctx, "/obj", 15, 0, buf)
	require.Nil(t, aerr)
	assert.Equal(t, "hello world!!!!", string(buf))
}

func TestRemoveFileIdempotent(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()
	require.Nil(t, p.CreateFile(ctx, "/x", nil))
	require.Nil(t, p.RemoveFile(ctx, "/x"))
	require.Nil(t, p.RemoveFile(ctx, "/x"))
}
