package openfile_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repertory/internal/models"
	"repertory/internal/openfile"
)

func newTestRingBuffer(t *testing.T, size uint64, seed []byte, ringSize uint) (*openfile.RingBufferFile, *fakeProvider) {
	t.Helper()
	dir := t.TempDir()
	prov := &fakeProvider{data: seed}
	fsi := models.FilesystemItem{ApiPath: "/stream.bin", Size: size, SourcePath: filepath.Join(dir, "stream.bin")}
	r, aerr := openfile.NewRingBuffer(fsi, testChunkSize, ringSize, prov)
	require.Nil(t, aerr)
	return r, prov
}

func TestRingBufferSequentialReadWithinInitialWindow(t *testing.T) {
	seed := []byte("0123456789AB") // 3 chunks of 4 bytes
	r, _ := newTestRingBuffer(t, uint64(len(seed)), seed, 2)

	got, aerr := r.Read(context.Background(), 0, 4)
	require.Nil(t, aerr)
	assert.Equal(t, []byte("0123"), got)
}

func TestRingBufferForwardSlideReachesLaterChunk(t *testing.T) {
	seed := []byte("0123456789AB")
	r, _ := newTestRingBuffer(t, uint64(len(seed)), seed, 2)

	got, aerr := r.Read(context.Background(), 8, 4)
	require.Nil(t, aerr)
	assert.Equal(t, []byte("89AB"), got)
}

func TestRingBufferReverseSlideRereadsEarlierChunk(t *testing.T) {
	seed := []byte("0123456789AB")
	r, _ := newTestRingBuffer(t, uint64(len(seed)), seed, 2)

	_, aerr := r.Read(context.Background(), 8, 4)
	require.Nil(t, aerr)

	got, aerr2 := r.Read(context.Background(), 0, 4)
	require.Nil(t, aerr2)
	assert.Equal(t, []byte("0123"), got)
}

func TestRingBufferWriteNotSupported(t *testing.T) {
	r, _ := newTestRingBuffer(t, 12, []byte("0123456789AB"), 2)
	_, aerr := r.Write(context.Background(), 0, []byte("x"))
	require.NotNil(t, aerr)
}

func TestRingBufferResizeNotSupported(t *testing.T) {
	r, _ := newTestRingBuffer(t, 12, []byte("0123456789AB"), 2)
	aerr := r.Resize(20)
	require.NotNil(t, aerr)
}

func TestRingBufferIsCompleteWhenRingCoversWholeFile(t *testing.T) {
	seed := []byte("01234567")
	r, _ := newTestRingBuffer(t, uint64(len(seed)), seed, 4)
	assert.True(t, r.IsComplete())
}

func TestRingBufferIsNotCompleteWhenRingSmallerThanFile(t *testing.T) {
	seed := []byte("0123456789AB")
	r, _ := newTestRingBuffer(t, uint64(len(seed)), seed, 2)
	assert.False(t, r.IsComplete())
}

func TestRingBufferJumpPastRingSizeFullyInvalidates(t *testing.T) {
	seed := []byte("0123456789ABCDEFGHIJ") // 5 chunks of 4 bytes
	r, _ := newTestRingBuffer(t, uint64(len(seed)), seed, 2)

	got, aerr := r.Read(context.Background(), 16, 4)
	require.Nil(t, aerr)
	assert.Equal(t, []byte("GHIJ"), got)
}
