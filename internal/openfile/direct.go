package openfile

import (
	"context"
	"os"
	"sync"
	"time"

	"repertory/internal/apierror"
	"repertory/internal/models"
	"repertory/internal/provider"
)

// DirectFile is the open file kind for a direct-only provider (spec
// §4.7 "is_direct_only"): every read issues a live provider call and
// nothing is ever materialized under the cache directory, matching
// "the open-file table MUST NOT cache, MUST NOT evict" for this kind.
// A pending write is held in memory and staged through a temp file to
// provider.UploadFile on last Close, since spec is silent on
// direct-only write semantics specifically and this is the smallest
// extension of the existing "modify then upload on close" shape (spec
// §4.5) that needs no local disk materialization.
type DirectFile struct {
	item

	mu       sync.Mutex
	handles  map[Handle]OpenFlags
	buf      []byte
	loaded   bool
	modified bool
	lastRead time.Time

	provider provider.Provider
}

var _ File = (*DirectFile)(nil)

// NewDirect builds a DirectFile for fsi. Construction never touches
// the provider; reads and writes are all issued lazily.
func NewDirect(fsi models.FilesystemItem, prov provider.Provider) *DirectFile {
	return &DirectFile{
		item:     newItem(fsi),
		handles:  map[Handle]OpenFlags{},
		lastRead: time.Now(),
		provider: prov,
	}
}

func (f *DirectFile) ApiPath() string { return f.apiPath }

func (f *DirectFile) Size() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// SourcePath is always empty: a direct-only file has no local
// materialization, by definition.
func (f *DirectFile) SourcePath() string { return "" }

func (f *DirectFile) IsWritable() bool { return true }
func (f *DirectFile) IsComplete() bool { return true }

func (f *DirectFile) IsModified() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modified
}

func (f *DirectFile) LastAccess() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRead
}

func (f *DirectFile) Add(handle Handle, flags OpenFlags) *apierror.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[handle] = flags
	return nil
}

func (f *DirectFile) Remove(handle Handle) *apierror.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, handle)
	return nil
}

func (f *DirectFile) HandleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *DirectFile) Handles() map[Handle]OpenFlags {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[Handle]OpenFlags, len(f.handles))
	for h, fl := range f.handles {
		out[h] = fl
	}
	return out
}

// CanClose reports true once no handle is open: a direct-only file never
// pins anything in the table beyond its open handles, and Close here never
// blocks on a download the way a cached file's does.
func (f *DirectFile) CanClose() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles) == 0
}

// Read issues a live provider call for every byte requested; no chunk
// or ring state is ever consulted.
func (f *DirectFile) Read(ctx provider.StopToken, offset, length uint64) ([]byte, *apierror.Error) {
	f.mu.Lock()
	f.lastRead = time.Now()
	f.mu.Unlock()

	buf := make([]byte, length)
	if aerr := f.provider.ReadFileBytes(ctx, f.apiPath, length, offset, buf); aerr != nil {
		return nil, aerr
	}
	return buf, nil
}

// ensureLoaded pulls the file's current full contents into buf the
// first time a write touches it, so Write/Resize can edit an
// in-memory image instead of reasoning about a sparse/partial one.
// Caller must hold f.mu.
func (f *DirectFile) ensureLoaded(ctx provider.StopToken) *apierror.Error {
	if f.loaded {
		return nil
	}
	if f.size > 0 {
		buf := make([]byte, f.size)
		if aerr := f.provider.ReadFileBytes(ctx, f.apiPath, f.size, 0, buf); aerr != nil {
			return aerr
		}
		f.buf = buf
	}
	f.loaded = true
	return nil
}

func (f *DirectFile) Write(ctx provider.StopToken, offset uint64, data []byte) (int, *apierror.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if aerr := f.ensureLoaded(ctx); aerr != nil {
		return 0, aerr
	}

	end := offset + uint64(len(data))
	if end > uint64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[offset:], data)
	if end > f.size {
		f.size = end
	}
	f.modified = true
	return len(data), nil
}

func (f *DirectFile) Resize(newSize uint64) *apierror.Error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if aerr := f.ensureLoaded(context.Background()); aerr != nil {
		return aerr
	}
	if newSize != uint64(len(f.buf)) {
		grown := make([]byte, newSize)
		copy(grown, f.buf)
		f.buf = grown
	}
	f.size = newSize
	f.modified = true
	return nil
}

// Close stages a modified buffer through a temp file and uploads it,
// since provider.UploadFile (per spec §4.7) always takes a source path
// rather than an in-memory buffer.
func (f *DirectFile) Close() *apierror.Error {
	f.mu.Lock()
	modified, buf, apiPath := f.modified, f.buf, f.apiPath
	f.modified = false
	f.mu.Unlock()

	if !modified {
		return nil
	}
	return uploadBuffer(context.Background(), f.provider, apiPath, buf)
}

func uploadBuffer(ctx provider.StopToken, prov provider.Provider, apiPath string, data []byte) *apierror.Error {
	tmp, err := os.CreateTemp("", "repertory-direct-upload-*")
	if err != nil {
		return apierror.New(apierror.OsError, err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := tmp.Write(data); err != nil {
		return apierror.New(apierror.OsError, err)
	}
	if err := tmp.Close(); err != nil {
		return apierror.New(apierror.OsError, err)
	}
	return prov.UploadFile(ctx, apiPath, tmp.Name())
}
