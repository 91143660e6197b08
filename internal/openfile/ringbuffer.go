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

// RingBufferFile is the read-only ring-buffer open file of spec §4.3,
// used for sequential streaming reads of files too large (or too
// costly) to cache in full: only a sliding window of ring_size chunks
// is ever materialized on disk at once, addressed by chunk index
// modulo ring_size.
type RingBufferFile struct {
	item

	mu   sync.Mutex
	cond *sync.Cond

	chunkSize uint64
	ringSize  uint

	firstChunk   uint
	lastChunk    uint
	currentChunk uint

	ringReadState  *bitset.Set
	downloading    map[uint]bool
	handles        map[Handle]OpenFlags
	lastAccessTime time.Time
	apiError       *apierror.Error

	file     *chunkedfile.File
	provider provider.Provider
}

var _ File = (*RingBufferFile)(nil)

// NewRingBuffer opens the reserved on-disk region for fsi (ring_size *
// chunk_size bytes) and returns a ring positioned at chunk 0.
func NewRingBuffer(fsi models.FilesystemItem, chunkSize uint64, ringSize uint, prov provider.Provider) (*RingBufferFile, *apierror.Error) {
	r := &RingBufferFile{
		item:           newItem(fsi),
		chunkSize:      chunkSize,
		ringSize:       ringSize,
		ringReadState:  bitset.New(ringSize),
		downloading:    map[uint]bool{},
		handles:        map[Handle]OpenFlags{},
		lastAccessTime: time.Now(),
		provider:       prov,
	}
	r.cond = sync.NewCond(&r.mu)

	total := chunkCount(fsi.Size, chunkSize)
	if total > 0 {
		last := ringSize - 1
		if uint64(last) > uint64(total-1) {
			last = uint(total - 1)
		}
		r.lastChunk = last
	}

	ch, err := chunkedfile.Open(fsi.SourcePath)
	if err != nil {
		return nil, apierror.New(apierror.OsError, err)
	}
	if err := ch.Truncate(int64(uint64(ringSize) * chunkSize)); err != nil {
		return nil, apierror.New(apierror.OsError, err)
	}
	r.file = ch

	return r, nil
}

func (r *RingBufferFile) ApiPath() string { return r.apiPath }

func (r *RingBufferFile) Size() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *RingBufferFile) SourcePath() string { return r.sourcePath }
func (r *RingBufferFile) IsWritable() bool   { return false }
func (r *RingBufferFile) IsModified() bool   { return false }

func (r *RingBufferFile) LastAccess() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAccessTime
}

func (r *RingBufferFile) touch() {
	r.lastAccessTime = time.Now()
}

func (r *RingBufferFile) HandleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *RingBufferFile) Handles() map[Handle]OpenFlags {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Handle]OpenFlags, len(r.handles))
	for h, flags := range r.handles {
		out[h] = flags
	}
	return out
}

// IsComplete is always false for a ring buffer: the window never holds
// the whole file at once unless ring_size >= total chunk count, in
// which case every chunk the file has is, by construction, reachable.
func (r *RingBufferFile) IsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := chunkCount(r.size, r.chunkSize)
	return uint64(r.ringSize) >= total
}

func (r *RingBufferFile) CanClose() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles) == 0 && len(r.downloading) == 0
}

func (r *RingBufferFile) Add(handle Handle, flags OpenFlags) *apierror.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if flags.Writable() {
		return apierror.New(apierror.NotSupported, nil)
	}
	if r.apiError != nil && r.apiError.Code != apierror.Success {
		return r.apiError
	}
	r.handles[handle] = flags
	r.touch()
	return nil
}

func (r *RingBufferFile) Remove(handle Handle) *apierror.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, handle)
	return nil
}

// slot maps an absolute chunk index to its ring_read_state bit /
// physical byte position. Chosen as a plain modulo over the absolute
// index rather than spec §4.3's position-relative-to-first_chunk
// formula: both give the same externally observable behavior (a
// sliding window of ring_size chunks, with only the newly-uncovered
// range invalidated on a slide), but the absolute-modulo form needs no
// byte-copy when the window moves, since a chunk's physical slot never
// changes across its lifetime in the ring (see DESIGN.md).
func (r *RingBufferFile) slot(chunk uint) uint {
	return chunk % r.ringSize
}

func (r *RingBufferFile) totalChunksLocked() uint {
	return chunkCount(r.size, r.chunkSize)
}

// forward implements spec §4.3 "forward(n)": advances current_chunk,
// then slides the window only if current_chunk has moved past
// last_chunk, clearing exactly the chunks that roll off the front.
func (r *RingBufferFile) forward(n uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n == 0 {
		return
	}

	total := r.totalChunksLocked()
	if total == 0 {
		return
	}
	maxChunk := total - 1
	if r.currentChunk+n > maxChunk {
		n = maxChunk - r.currentChunk
	}
	if n == 0 {
		return
	}
	r.currentChunk += n

	if r.currentChunk <= r.lastChunk {
		r.cond.Broadcast()
		return
	}

	slide := r.currentChunk - r.lastChunk
	r.clearForwardLocked(slide)
	r.lastChunk = r.currentChunk
	if r.lastChunk+1 > r.ringSize {
		r.firstChunk = r.lastChunk - r.ringSize + 1
	} else {
		r.firstChunk = 0
	}
	r.cond.Broadcast()
}

// reverse implements spec §4.3 "reverse(n)": symmetric to forward,
// sliding the window backward and clearing the freshly-uncovered
// range (the whole ring once the slide distance reaches ring_size).
func (r *RingBufferFile) reverse(n uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n == 0 {
		return
	}
	if n > r.currentChunk {
		n = r.currentChunk
	}
	if n == 0 {
		return
	}
	r.currentChunk -= n

	if r.currentChunk >= r.firstChunk {
		r.cond.Broadcast()
		return
	}

	slide := r.firstChunk - r.currentChunk
	r.clearBackwardLocked(slide)
	r.firstChunk = r.currentChunk
	if r.firstChunk+r.ringSize-1 < r.lastChunk {
		r.lastChunk = r.firstChunk + r.ringSize - 1
	}
	r.cond.Broadcast()
}

// clearForwardLocked invalidates the chunks rolling off the front of
// the window (the lowest `distance` chunks of the current range) as
// the window slides toward the end of the file.
func (r *RingBufferFile) clearForwardLocked(distance uint) {
	if distance >= r.ringSize {
		r.ringReadState = bitset.New(r.ringSize)
		return
	}
	for i := uint(0); i < distance; i++ {
		r.ringReadState.Clear(r.slot(r.firstChunk + i))
	}
}

// clearBackwardLocked invalidates the chunks rolling off the back of
// the window (the highest `distance` chunks of the current range) as
// the window slides toward the start of the file.
func (r *RingBufferFile) clearBackwardLocked(distance uint) {
	if distance >= r.ringSize {
		r.ringReadState = bitset.New(r.ringSize)
		return
	}
	for i := uint(0); i < distance; i++ {
		r.ringReadState.Clear(r.slot(r.lastChunk - i))
	}
}

// slideTo moves the window so chunk falls within [firstChunk,
// lastChunk], sliding forward or backward by exactly the distance
// needed. Must be called without the lock held.
func (r *RingBufferFile) slideTo(chunk uint) {
	r.mu.Lock()
	current := r.currentChunk
	r.mu.Unlock()

	switch {
	case chunk > current:
		r.forward(chunk - current)
	case chunk < current:
		r.reverse(current - chunk)
	}
}

// Read implements spec §4.3 "read": slide the window to cover offset,
// then wait for every overlapping chunk to be present exactly as the
// writable file's chunk acquisition protocol does, scoped to ring
// slots instead of the full bitmap.
func (r *RingBufferFile) Read(ctx provider.StopToken, offset, length uint64) ([]byte, *apierror.Error) {
	r.mu.Lock()
	r.touch()
	size := r.size
	r.mu.Unlock()

	if offset >= size {
		return nil, nil
	}
	if offset+length > size {
		length = size - offset
	}
	if length == 0 {
		return nil, nil
	}

	first := uint(offset / r.chunkSize)
	last := uint((offset + length - 1) / r.chunkSize)

	for i := first; i <= last; i++ {
		r.slideTo(i)
		if err := r.acquireChunk(ctx, i); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.currentChunk = last
	r.mu.Unlock()

	buf := make([]byte, length)
	diskOffset := r.diskOffset(first, offset)
	n, err := r.readAcross(diskOffset, first, last, buf)
	if err != nil {
		return nil, apierror.New(apierror.OsError, err)
	}
	return buf[:n], nil
}

// diskOffset maps the absolute file offset within chunk `first` to its
// physical position in the ring's backing file.
func (r *RingBufferFile) diskOffset(first uint, offset uint64) int64 {
	withinChunk := offset - uint64(first)*r.chunkSize
	return int64(uint64(r.slot(first))*r.chunkSize + withinChunk)
}

// readAcross reads buf from the ring, wrapping across the physical end
// of the backing file whenever the requested chunk range crosses the
// ring boundary (chunk `ringSize-1` back to chunk 0).
func (r *RingBufferFile) readAcross(diskOffset int64, first, last uint, buf []byte) (int, error) {
	ringBytes := int64(uint64(r.ringSize) * r.chunkSize)
	remaining := buf
	pos := diskOffset
	total := 0
	for len(remaining) > 0 {
		chunkLeft := ringBytes - pos
		take := int64(len(remaining))
		if take > chunkLeft {
			take = chunkLeft
		}
		n, err := r.file.Read(pos, remaining[:take])
		total += n
		if err != nil {
			return total, err
		}
		remaining = remaining[n:]
		pos += int64(n)
		if pos >= ringBytes {
			pos = 0
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func (r *RingBufferFile) acquireChunk(ctx provider.StopToken, chunk uint) *apierror.Error {
	r.mu.Lock()
	for {
		if r.apiError != nil && r.apiError.Code != apierror.Success {
			err := r.apiError
			r.mu.Unlock()
			return err
		}
		if chunk < r.firstChunk || chunk > r.lastChunk {
			// Slid away while we waited; caller will re-slide.
			r.mu.Unlock()
			return nil
		}
		slot := r.slot(chunk)
		if r.ringReadState.Test(slot) {
			r.mu.Unlock()
			return nil
		}
		if r.downloading[slot] {
			r.cond.Wait()
			continue
		}
		r.downloading[slot] = true
		r.mu.Unlock()

		aerr := r.downloadChunk(ctx, chunk, slot)

		r.mu.Lock()
		delete(r.downloading, slot)
		if aerr != nil {
			r.apiError = aerr
		} else {
			r.ringReadState.Set(slot)
		}
		r.cond.Broadcast()
		if aerr != nil {
			r.mu.Unlock()
			return aerr
		}
		r.mu.Unlock()
		return nil
	}
}

func (r *RingBufferFile) downloadChunk(ctx provider.StopToken, chunk, slot uint) *apierror.Error {
	if ctx.Err() != nil {
		return apierror.New(apierror.DownloadStopped, ctx.Err())
	}

	r.mu.Lock()
	size := r.size
	r.mu.Unlock()

	offset := uint64(chunk) * r.chunkSize
	length := r.chunkSize
	if offset+length > size {
		length = size - offset
	}
	if length == 0 {
		return nil
	}

	buf := make([]byte, length)
	if aerr := r.provider.ReadFileBytes(ctx, r.apiPath, length, offset, buf); aerr != nil {
		return aerr
	}

	diskOffset := int64(uint64(slot) * r.chunkSize)
	if _, err := r.file.Write(diskOffset, buf); err != nil {
		return apierror.New(apierror.OsError, err)
	}
	return nil
}

// Write is not supported on a ring-buffer open file (spec §4.3).
func (r *RingBufferFile) Write(ctx provider.StopToken, offset uint64, data []byte) (int, *apierror.Error) {
	return 0, apierror.New(apierror.NotSupported, nil)
}

// Resize is not supported on a ring-buffer open file (spec §4.3).
func (r *RingBufferFile) Resize(newSize uint64) *apierror.Error {
	return apierror.New(apierror.NotSupported, nil)
}

func (r *RingBufferFile) Close() *apierror.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handles) > 0 {
		return nil
	}
	if r.file != nil {
		r.file.Close()
	}
	return nil
}
