package mount_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/winfsp/cgofuse/fuse"

	"repertory/internal/apierror"
	"repertory/internal/bitset"
	"repertory/internal/events"
	"repertory/internal/metadb"
	"repertory/internal/models"
	"repertory/internal/mount"
	"repertory/internal/openfiletable"
)

type fakeProvider struct {
	mu    sync.Mutex
	items map[string]models.FilesystemItem
	kids  map[string][]string
	data  map[string][]byte
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		items: map[string]models.FilesystemItem{},
		kids:  map[string][]string{},
		data:  map[string][]byte{},
	}
}

func (p *fakeProvider) putFile(apiPath string, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[apiPath] = models.FilesystemItem{ApiPath: apiPath, Size: uint64(len(data))}
	p.data[apiPath] = data
	p.kids["/"] = append(p.kids["/"], apiPath)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) GetFilesystemItem(ctx context.Context, apiPath string, directory bool) (*models.FilesystemItem, *apierror.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if apiPath == "/" {
		return &models.FilesystemItem{ApiPath: "/", Directory: true}, nil
	}
	fsi, ok := p.items[apiPath]
	if !ok {
		return nil, apierror.New(apierror.ItemNotFound, nil)
	}
	if fsi.Directory != directory {
		return nil, apierror.New(apierror.ItemNotFound, nil)
	}
	return &fsi, nil
}

func (p *fakeProvider) GetItemMeta(ctx context.Context, apiPath string) (models.FileMeta, *apierror.Error) {
	return nil, apierror.New(apierror.NotImplemented, nil)
}
func (p *fakeProvider) GetItemMetaValue(ctx context.Context, apiPath, key string) (string, *apierror.Error) {
	return "", apierror.New(apierror.NotImplemented, nil)
}
func (p *fakeProvider) SetItemMeta(ctx context.Context, apiPath string, meta models.FileMeta) *apierror.Error {
	return nil
}
func (p *fakeProvider) SetItemMetaValue(ctx context.Context, apiPath, key, value string) *apierror.Error {
	return nil
}
func (p *fakeProvider) ReadFileBytes(ctx context.Context, apiPath string, size, offset uint64, buf []byte) *apierror.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.data[apiPath]
	if offset+size > uint64(len(src)) {
		return apierror.New(apierror.FileSizeMismatch, nil)
	}
	copy(buf, src[offset:offset+size])
	return nil
}
func (p *fakeProvider) UploadFile(ctx context.Context, apiPath, sourcePath string) *apierror.Error {
	return nil
}
func (p *fakeProvider) CreateFile(ctx context.Context, apiPath string, meta models.FileMeta) *apierror.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[apiPath] = models.FilesystemItem{ApiPath: apiPath, Directory: false}
	p.kids["/"] = append(p.kids["/"], apiPath)
	return nil
}
func (p *fakeProvider) CreateDirectory(ctx context.Context, apiPath string, meta models.FileMeta) *apierror.Error {
	return nil
}
func (p *fakeProvider) RemoveFile(ctx context.Context, apiPath string) *apierror.Error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, apiPath)
	return nil
}
func (p *fakeProvider) RemoveDirectory(ctx context.Context, apiPath string) *apierror.Error {
	return nil
}
func (p *fakeProvider) RenameFile(ctx context.Context, from, to string) *apierror.Error {
	return apierror.New(apierror.NotSupported, nil)
}
func (p *fakeProvider) SupportsRename() bool     { return false }
func (p *fakeProvider) SupportsRangedRead() bool { return true }
func (p *fakeProvider) GetDirectoryItems(ctx context.Context, apiPath string) ([]models.DirectoryItem, *apierror.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.DirectoryItem
	for _, child := range p.kids[apiPath] {
		fsi := p.items[child]
		out = append(out, models.DirectoryItem{ApiPath: child, Directory: fsi.Directory, Size: fsi.Size})
	}
	return out, nil
}
func (p *fakeProvider) IsDirectOnly() bool { return false }

type fakeMeta struct{}

func (fakeMeta) SetValue(apiPath, key, value string) error { return nil }

type fakeUploads struct {
	mu       sync.Mutex
	removed  []string
	queuedFn func(apiPath string) bool
}

func (fakeUploads) QueueUpload(apiPath string) {}
func (fakeUploads) StoreResume(apiPath string, chunkSize uint64, readState *bitset.Set, sourcePath string) {
}
func (fakeUploads) RemoveResume(apiPath, sourcePath string) {}
func (u *fakeUploads) IsQueued(apiPath string) bool {
	if u.queuedFn == nil {
		return false
	}
	return u.queuedFn(apiPath)
}
func (u *fakeUploads) RemoveUpload(apiPath string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.removed = append(u.removed, apiPath)
	return true
}

func newTestFilesystem(t *testing.T, readOnly bool) (*mount.Filesystem, *fakeProvider, *fakeUploads) {
	t.Helper()
	dir := t.TempDir()
	meta, err := metadb.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	prov := newFakeProvider()
	bus := events.New(events.LevelTrace)
	uploads := &fakeUploads{}
	opts := openfiletable.Options{ChunkSize: 4}
	table := openfiletable.New(prov, opts, fakeMeta{}, uploads, nil, nil, bus)
	table.Start()
	t.Cleanup(table.Stop)

	return mount.New(table, prov, meta, uploads, readOnly), prov, uploads
}

func TestGetattrRoot(t *testing.T) {
	fs, _, _ := newTestFilesystem(t, false)

	var stat fuse.Stat_t
	errc := fs.Getattr("/", &stat, ^uint64(0))
	require.Equal(t, 0, errc)
	assert.NotZero(t, stat.Mode&fuse.S_IFDIR)
}

func TestGetattrMissingFileReturnsEnoent(t *testing.T) {
	fs, _, _ := newTestFilesystem(t, false)

	var stat fuse.Stat_t
	errc := fs.Getattr("/missing.txt", &stat, ^uint64(0))
	assert.Equal(t, -fuse.ENOENT, errc)
}

func TestGetattrExistingFile(t *testing.T) {
	fs, prov, _ := newTestFilesystem(t, false)
	prov.putFile("/foo.txt", []byte("hello"))

	var stat fuse.Stat_t
	errc := fs.Getattr("/foo.txt", &stat, ^uint64(0))
	require.Equal(t, 0, errc)
	assert.EqualValues(t, 5, stat.Size)
	assert.NotZero(t, stat.Mode&fuse.S_IFREG)
}

func TestCreateOpenWriteReadRoundTrip(t *testing.T) {
	fs, _, _ := newTestFilesystem(t, false)

	errc, fh := fs.Create("/bar.txt", 0, 0o644)
	require.Equal(t, 0, errc)
	require.NotEqual(t, ^uint64(0), fh)

	n := fs.Write("/bar.txt", []byte("abcd"), 0, fh)
	assert.Equal(t, 4, n)

	buf := make([]byte, 4)
	n = fs.Read("/bar.txt", buf, 0, fh)
	assert.Equal(t, 4, n)
	assert.Equal(t, "abcd", string(buf))

	assert.Equal(t, 0, fs.Release("/bar.txt", fh))
}

func TestWriteDeniedOnReadOnlyMount(t *testing.T) {
	fs, prov, _ := newTestFilesystem(t, true)
	prov.putFile("/ro.txt", []byte("data"))

	errc, fh := fs.Open("/ro.txt", 0)
	require.Equal(t, 0, errc)

	n := fs.Write("/ro.txt", []byte("x"), 0, fh)
	assert.Equal(t, -fuse.EROFS, n)
}

func TestMkdirDeniedOnReadOnlyMount(t *testing.T) {
	fs, _, _ := newTestFilesystem(t, true)

	errc := fs.Mkdir("/newdir", 0o755)
	assert.Equal(t, -fuse.EROFS, errc)
}

func TestUnlinkRemovesFile(t *testing.T) {
	fs, prov, uploads := newTestFilesystem(t, false)
	prov.putFile("/doomed.txt", []byte("x"))

	assert.Equal(t, 0, fs.Unlink("/doomed.txt"))

	var stat fuse.Stat_t
	errc := fs.Getattr("/doomed.txt", &stat, ^uint64(0))
	assert.Equal(t, -fuse.ENOENT, errc)

	assert.Contains(t, uploads.removed, "/doomed.txt")
}

func TestRenameReturnsEnosysWhenUnsupported(t *testing.T) {
	fs, prov, _ := newTestFilesystem(t, false)
	prov.putFile("/a.txt", []byte("x"))

	errc := fs.Rename("/a.txt", "/b.txt")
	assert.Equal(t, -fuse.ENOSYS, errc)
}

func TestReaddirListsChildren(t *testing.T) {
	fs, prov, _ := newTestFilesystem(t, false)
	prov.putFile("/one.txt", []byte("1"))
	prov.putFile("/two.txt", []byte("22"))

	var names []string
	fill := func(name string, stat *fuse.Stat_t, ofst int64) bool {
		names = append(names, name)
		return true
	}
	errc := fs.Readdir("/", fill, 0, ^uint64(0))
	require.Equal(t, 0, errc)
	assert.Contains(t, names, ".")
	assert.Contains(t, names, "..")
	assert.Contains(t, names, "one.txt")
	assert.Contains(t, names, "two.txt")
}
