// Package chunkedfile owns the sparse local file backing a cached
// object (spec §4.1). It exposes raw range read/write/truncate/flush;
// callers (internal/openfile) are responsible for bitmap bookkeeping
// and locking — this package only ever touches bytes on disk.
package chunkedfile

import (
	"fmt"
	"io"
	"os"
)

// File is the sparse on-disk artifact of one cached object, opened for
// shared read/write (spec §4.1: "opened with shared read/write; on
// Windows FILE_SHARE_READ|FILE_SHARE_WRITE|FILE_SHARE_DELETE" — on
// POSIX platforms shared access is the default, so no special open
// flags are required here).
type File struct {
	path string
	fh   *os.File
}

// Open opens (creating if necessary) the sparse file at sourcePath.
func Open(sourcePath string) (*File, error) {
	fh, err := os.OpenFile(sourcePath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("chunkedfile: opening %s: %w", sourcePath, err)
	}
	return &File{path: sourcePath, fh: fh}, nil
}

func (f *File) Path() string {
	return f.path
}

// Read reads up to len(buf) bytes starting at offset. A short read at
// EOF returns (n, nil) with n < len(buf), matching spec §4.1 "Returns
// short reads at EOF".
func (f *File) Read(offset int64, buf []byte) (int, error) {
	n, err := f.fh.ReadAt(buf, offset)
	if err == io.EOF {
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("chunkedfile: read %s at %d: %w", f.path, offset, err)
	}
	return n, nil
}

// Write writes data at offset, growing the file if necessary.
func (f *File) Write(offset int64, data []byte) (int, error) {
	n, err := f.fh.WriteAt(data, offset)
	if err != nil {
		return n, fmt.Errorf("chunkedfile: write %s at %d: %w", f.path, offset, err)
	}
	return n, nil
}

// Truncate sets the file length; bytes beyond the old size read back
// as zero (handled by the OS/filesystem for a sparse file).
func (f *File) Truncate(newSize int64) error {
	if err := f.fh.Truncate(newSize); err != nil {
		return fmt.Errorf("chunkedfile: truncate %s to %d: %w", f.path, newSize, err)
	}
	return nil
}

// Size returns the current file length.
func (f *File) Size() (int64, error) {
	info, err := f.fh.Stat()
	if err != nil {
		return 0, fmt.Errorf("chunkedfile: stat %s: %w", f.path, err)
	}
	return info.Size(), nil
}

// Flush best-effort syncs dirty pages to disk.
func (f *File) Flush() error {
	return f.fh.Sync()
}

// Close closes the underlying file handle without removing it.
func (f *File) Close() error {
	return f.fh.Close()
}

// Remove unlinks the file at sourcePath (it closes nothing; a file that
// is already gone is not an error), used by eviction (spec §4.6
// step 3, "Unlink the source file").
func Remove(sourcePath string) error {
	if err := os.Remove(sourcePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("chunkedfile: removing %s: %w", sourcePath, err)
	}
	return nil
}
