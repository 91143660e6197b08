// Package openfile implements the per-file state machine of spec §4.1
// through §4.3: the writable open file (the "heart of the system")
// and its read-only ring-buffer counterpart, both built atop
// internal/chunkedfile's sparse local file and internal/bitset's
// chunk-indexed bitmaps.
package openfile

import (
	"strconv"
	"time"

	"repertory/internal/apierror"
	"repertory/internal/bitset"
	"repertory/internal/models"
	"repertory/internal/provider"
)

// Handle is a process-wide monotonically increasing identifier for one
// open() of a file, allocated by internal/openfiletable (spec §4.4).
type Handle uint64

// OpenFlags mirrors the POSIX open(2) intent bits the mount layer
// passes down; only the read/write distinction matters to the core.
type OpenFlags int

const (
	FlagRead OpenFlags = 1 << iota
	FlagWrite
)

func (f OpenFlags) Writable() bool {
	return f&FlagWrite != 0
}

// ChunkRange is an inclusive [First, Last] chunk index range, used by
// the fallback scheduler's active_download (spec §4.2).
type ChunkRange struct {
	First uint
	Last  uint
}

// DownloadScheduler selects how missing chunks get materialized.
type DownloadScheduler int

const (
	SchedulerDirect DownloadScheduler = iota
	SchedulerFallback
)

// UploadQueuer is the subset of internal/uploadmgr's surface that
// open files call into on write and on close (spec §4.2/§4.5),
// expressed as an interface here so this package never imports
// internal/uploadmgr; the dependency runs one way only, from
// internal/uploadmgr (which imports this package to assert that it
// implements UploadQueuer) to openfile.
type UploadQueuer interface {
	QueueUpload(apiPath string)
	StoreResume(apiPath string, chunkSize uint64, readState *bitset.Set, sourcePath string)
	RemoveResume(apiPath, sourcePath string)

	// IsQueued reports whether apiPath currently has a pending or
	// active upload, i.e. spec §4.2's "is_processing_upload" clause of
	// can_close. A modified file must not be closeable while this is
	// true (spec §8 "a modified file MUST NOT be eligible for eviction
	// until upload completes").
	IsQueued(apiPath string) bool
}

// MetaUpdater is the subset of internal/metadb's surface open files
// use to keep denormalized attributes in sync (spec §4.2 write path).
type MetaUpdater interface {
	SetValue(apiPath, key, value string) error
}

// File is the public contract both the writable and ring-buffer open
// file kinds implement (spec §4.2 "Public contract", §4.3).
type File interface {
	ApiPath() string
	Add(handle Handle, flags OpenFlags) *apierror.Error
	Remove(handle Handle) *apierror.Error
	Read(ctx provider.StopToken, offset uint64, length uint64) ([]byte, *apierror.Error)
	Write(ctx provider.StopToken, offset uint64, data []byte) (int, *apierror.Error)
	Resize(newSize uint64) *apierror.Error
	Close() *apierror.Error
	CanClose() bool
	IsComplete() bool
	IsModified() bool
	IsWritable() bool
	LastAccess() time.Time
	Size() uint64
	SourcePath() string
	HandleCount() int

	// Handles returns a snapshot of the currently open handle set, used
	// by internal/openfiletable to carry handles across a promote
	// (spec §4.4 "promote_to_writable").
	Handles() map[Handle]OpenFlags
}

// item is the shared header every open file kind carries, matching
// spec §3's OpenFile fields minus write_state (ring-buffer files have
// no write_state, only writable files do).
type item struct {
	apiPath    string
	apiParent  string
	size       uint64
	sourcePath string
}

func newItem(fsi models.FilesystemItem) item {
	return item{
		apiPath:    fsi.ApiPath,
		apiParent:  fsi.ApiParent,
		size:       fsi.Size,
		sourcePath: fsi.SourcePath,
	}
}

func chunkCount(size, chunkSize uint64) uint {
	if chunkSize == 0 {
		return 0
	}
	return uint((size + chunkSize - 1) / chunkSize)
}

func nowString() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}

func uint64ToString(v uint64) string {
	return strconv.FormatUint(v, 10)
}
