package openfile

import (
	"sync"
	"time"

	"repertory/internal/apierror"
	"repertory/internal/bitset"
	"repertory/internal/chunkedfile"
	"repertory/internal/models"
	"repertory/internal/provider"
)

// WritableFile is the writable open file of spec §4.2 — "the
// component whose implementation should read like a textbook state
// machine". It owns the chunk acquisition protocol, the write path,
// and resize, and queues itself for upload or resume-persistence on
// last-handle close.
type WritableFile struct {
	item

	mu   sync.Mutex
	cond *sync.Cond

	chunkSize      uint64
	readState      *bitset.Set
	writeState     *bitset.Set
	handles        map[Handle]OpenFlags
	modified       bool
	lastAccessTime time.Time
	apiError       *apierror.Error
	downloading    map[uint]bool
	scheduler      DownloadScheduler
	fallbackActive bool
	fallbackStop   chan struct{}

	file     *chunkedfile.File
	provider provider.Provider
	meta     MetaUpdater
	uploads  UploadQueuer
}

var _ File = (*WritableFile)(nil)

// NewWritable opens (or creates) the sparse source file for fsi and
// returns a ready-to-use WritableFile. resumeReadState, if non-nil, is
// the bitmap restored from an uploaddb resume record (spec §4.5
// startup recovery); otherwise the file starts with no chunks present.
func NewWritable(
	fsi models.FilesystemItem,
	chunkSize uint64,
	resumeReadState *bitset.Set,
	prov provider.Provider,
	meta MetaUpdater,
	uploads UploadQueuer,
	scheduler DownloadScheduler,
) (*WritableFile, *apierror.Error) {
	f := &WritableFile{
		item:           newItem(fsi),
		chunkSize:      chunkSize,
		handles:        map[Handle]OpenFlags{},
		lastAccessTime: time.Now(),
		downloading:    map[uint]bool{},
		scheduler:      scheduler,
		provider:       prov,
		meta:           meta,
		uploads:        uploads,
	}
	f.cond = sync.NewCond(&f.mu)

	n := chunkCount(fsi.Size, chunkSize)
	if resumeReadState != nil {
		f.readState = resumeReadState
		f.readState.Resize(n)
	} else {
		f.readState = bitset.New(n)
	}
	f.writeState = bitset.New(n)

	if fsi.Size > 0 && fsi.SourcePath != "" {
		ch, err := chunkedfile.Open(fsi.SourcePath)
		if err != nil {
			return nil, apierror.New(apierror.OsError, err)
		}
		f.file = ch
	}
	return f, nil
}

func (f *WritableFile) ApiPath() string { return f.apiPath }
func (f *WritableFile) Size() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}
func (f *WritableFile) SourcePath() string { return f.sourcePath }
func (f *WritableFile) IsWritable() bool   { return true }

func (f *WritableFile) LastAccess() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAccessTime
}

func (f *WritableFile) touch() {
	f.lastAccessTime = time.Now()
}

func (f *WritableFile) HandleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

func (f *WritableFile) Handles() map[Handle]OpenFlags {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[Handle]OpenFlags, len(f.handles))
	for h, flags := range f.handles {
		out[h] = flags
	}
	return out
}

func (f *WritableFile) IsModified() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modified
}

// IsComplete reports read_state.all() (spec §4.2 "is_complete").
func (f *WritableFile) IsComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readState.All()
}

// CanClose is true iff handles is empty, no download is active, and
// no upload is in flight for this file (spec §4.2 "can_close":
// handles.is_empty() && !is_processing_upload()).
func (f *WritableFile) CanClose() bool {
	f.mu.Lock()
	idle := len(f.handles) == 0 && len(f.downloading) == 0 && !f.fallbackActive
	apiPath := f.apiPath
	f.mu.Unlock()
	if !idle {
		return false
	}
	return !f.uploads.IsQueued(apiPath)
}

// Add inserts a handle; fails only if the file is in a terminal error
// state (spec §4.2 "add").
func (f *WritableFile) Add(handle Handle, flags OpenFlags) *apierror.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.apiError != nil && f.apiError.Code != apierror.Success {
		return f.apiError
	}
	f.handles[handle] = flags
	f.touch()
	return nil
}

// Remove drops a handle; on last-handle-close it triggers the close
// sequence of spec §4.2 "Close sequence".
func (f *WritableFile) Remove(handle Handle) *apierror.Error {
	f.mu.Lock()
	delete(f.handles, handle)
	last := len(f.handles) == 0
	modified := f.modified
	complete := f.readState.All()
	f.mu.Unlock()

	if !last {
		return nil
	}
	return f.closeSequence(modified, complete)
}

// closeSequence implements spec §4.2 "Close sequence" steps 1-3.
func (f *WritableFile) closeSequence(modified, complete bool) *apierror.Error {
	switch {
	case !modified:
		return nil
	case modified && complete:
		f.uploads.QueueUpload(f.apiPath)
	case modified && !complete:
		f.mu.Lock()
		rs := f.readState
		sourcePath := f.sourcePath
		chunkSize := f.chunkSize
		f.mu.Unlock()
		f.uploads.StoreResume(f.apiPath, chunkSize, rs, sourcePath)
	}
	return nil
}

// Read returns exactly min(length, size-offset) bytes, blocking until
// every chunk in [offset, offset+length) is present (spec §4.2 "read").
func (f *WritableFile) Read(ctx provider.StopToken, offset, length uint64) ([]byte, *apierror.Error) {
	f.mu.Lock()
	f.touch()
	size := f.size
	f.mu.Unlock()

	if offset >= size {
		return nil, nil
	}
	if offset+length > size {
		length = size - offset
	}
	if length == 0 {
		return nil, nil
	}

	first := uint(offset / f.chunkSize)
	last := uint((offset + length - 1) / f.chunkSize)
	for i := first; i <= last; i++ {
		if err := f.acquireChunk(ctx, i); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, length)
	n, err := f.file.Read(int64(offset), buf)
	if err != nil {
		return nil, apierror.New(apierror.OsError, err)
	}
	return buf[:n], nil
}

// acquireChunk implements spec §4.2 "Chunk acquisition": only one
// caller downloads chunk i at a time; the rest wait on the shared
// condition variable and re-check the bitmap on wake.
func (f *WritableFile) acquireChunk(ctx provider.StopToken, i uint) *apierror.Error {
	f.mu.Lock()
	for {
		if f.apiError != nil && f.apiError.Code != apierror.Success {
			err := f.apiError
			f.mu.Unlock()
			return err
		}
		if f.readState.Test(i) {
			f.mu.Unlock()
			return nil
		}
		if f.downloading[i] {
			f.cond.Wait()
			continue
		}
		f.downloading[i] = true
		f.mu.Unlock()

		aerr := f.downloadChunk(ctx, i)

		f.mu.Lock()
		delete(f.downloading, i)
		if aerr != nil {
			f.apiError = aerr
		} else {
			f.readState.Set(i)
		}
		f.cond.Broadcast()
		if aerr != nil {
			f.mu.Unlock()
			return aerr
		}
		f.mu.Unlock()
		return nil
	}
}

func (f *WritableFile) downloadChunk(ctx provider.StopToken, i uint) *apierror.Error {
	if ctx.Err() != nil {
		return apierror.New(apierror.DownloadStopped, ctx.Err())
	}

	f.mu.Lock()
	offset := uint64(i) * f.chunkSize
	size := f.size
	f.mu.Unlock()

	length := f.chunkSize
	if offset+length > size {
		length = size - offset
	}
	if length == 0 {
		return nil
	}

	buf := make([]byte, length)
	if aerr := f.provider.ReadFileBytes(ctx, f.apiPath, length, offset, buf); aerr != nil {
		return aerr
	}

	if _, err := f.file.Write(int64(offset), buf); err != nil {
		return apierror.New(apierror.OsError, err)
	}
	return nil
}

// Write implements spec §4.2 "Write path".
func (f *WritableFile) Write(ctx provider.StopToken, offset uint64, data []byte) (int, *apierror.Error) {
	if len(data) == 0 {
		return 0, nil
	}

	f.mu.Lock()
	oldSize := f.size
	f.mu.Unlock()

	first := uint(offset / f.chunkSize)
	last := uint((offset + uint64(len(data)) - 1) / f.chunkSize)

	// Step 2: for every overlapping chunk that has existing provider
	// data, ensure it is read-complete before overwriting it.
	for i := first; i <= last; i++ {
		if uint64(i)*f.chunkSize < oldSize {
			if err := f.acquireChunk(ctx, i); err != nil {
				return 0, err
			}
		}
	}

	if f.file == nil {
		ch, err := chunkedfile.Open(f.sourcePath)
		if err != nil {
			return 0, apierror.New(apierror.OsError, err)
		}
		f.file = ch
	}

	n, err := f.file.Write(int64(offset), data)
	if err != nil {
		return 0, apierror.New(apierror.OsError, err)
	}

	f.mu.Lock()
	newSize := offset + uint64(n)
	if newSize > f.size {
		growTo := chunkCount(newSize, f.chunkSize)
		f.readState.Resize(growTo)
		f.writeState.Resize(growTo)
		f.size = newSize
	}
	for i := first; i <= last; i++ {
		f.writeState.Set(i)
		if uint64(i)*f.chunkSize >= oldSize {
			// Newly grown chunk: either this write fully covers it,
			// or the untouched remainder is sparse-zero, which is
			// already authoritative on disk.
			f.readState.Set(i)
		}
	}
	f.modified = true
	f.touch()
	rs := f.readState
	chunkSize := f.chunkSize
	sourcePath := f.sourcePath
	apiPath := f.apiPath
	f.mu.Unlock()

	now := nowString()
	_ = f.meta.SetValue(apiPath, models.MetaChanged, now)
	_ = f.meta.SetValue(apiPath, models.MetaModified, now)
	_ = f.meta.SetValue(apiPath, models.MetaWritten, now)
	_ = f.meta.SetValue(apiPath, models.MetaSize, uint64ToString(newSize))

	f.uploads.StoreResume(apiPath, chunkSize, rs, sourcePath)

	return n, nil
}

// Resize implements spec §4.2 "Resize".
func (f *WritableFile) Resize(newSize uint64) *apierror.Error {
	f.mu.Lock()

	if f.file == nil {
		ch, err := chunkedfile.Open(f.sourcePath)
		if err != nil {
			f.mu.Unlock()
			return apierror.New(apierror.OsError, err)
		}
		f.file = ch
	}
	if err := f.file.Truncate(int64(newSize)); err != nil {
		f.mu.Unlock()
		return apierror.New(apierror.OsError, err)
	}

	newCount := chunkCount(newSize, f.chunkSize)
	oldSize := f.size
	f.readState.Resize(newCount)
	f.writeState.Resize(newCount)

	if newSize > oldSize {
		// Growing: the new tail is logically zero and already on
		// disk, so it's read-valid without a provider round trip
		// (spec §4.2 "Resize").
		firstNew := chunkCount(oldSize, f.chunkSize)
		for i := firstNew; i < newCount; i++ {
			f.readState.Set(i)
		}
	}

	f.size = newSize
	f.modified = true
	apiPath := f.apiPath
	rs := f.readState
	chunkSize := f.chunkSize
	sourcePath := f.sourcePath
	f.mu.Unlock()

	now := nowString()
	_ = f.meta.SetValue(apiPath, models.MetaSize, uint64ToString(newSize))
	_ = f.meta.SetValue(apiPath, models.MetaChanged, now)
	_ = f.meta.SetValue(apiPath, models.MetaModified, now)
	_ = f.meta.SetValue(apiPath, models.MetaWritten, now)
	f.uploads.StoreResume(apiPath, chunkSize, rs, sourcePath)

	return nil
}

// Close drops the on-disk handle if no user handles remain and
// returns the terminal api_error (spec §4.2 "close").
func (f *WritableFile) Close() *apierror.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) > 0 {
		return nil
	}
	if f.file != nil {
		f.file.Flush()
		f.file.Close()
	}
	if f.apiError != nil {
		return f.apiError
	}
	return nil
}
