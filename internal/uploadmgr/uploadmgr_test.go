package uploadmgr_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repertory/internal/apierror"
	"repertory/internal/bitset"
	"repertory/internal/events"
	"repertory/internal/models"
	"repertory/internal/uploaddb"
	"repertory/internal/uploadmgr"
)

type fakeProvider struct {
	mu         sync.Mutex
	uploadFile func(ctx context.Context, apiPath, sourcePath string) *apierror.Error
	calls      int
}

func (p *fakeProvider) Name() string { return "fake" }
func (p *fakeProvider) GetFilesystemItem(ctx context.Context, apiPath string, directory bool) (*models.FilesystemItem, *apierror.Error) {
	return nil, apierror.New(apierror.NotImplemented, nil)
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
	return apierror.New(apierror.NotImplemented, nil)
}
func (p *fakeProvider) UploadFile(ctx context.Context, apiPath, sourcePath string) *apierror.Error {
	p.mu.Lock()
	p.calls++
	fn := p.uploadFile
	p.mu.Unlock()
	return fn(ctx, apiPath, sourcePath)
}
func (p *fakeProvider) CreateFile(ctx context.Context, apiPath string, meta models.FileMeta) *apierror.Error {
	return nil
}
func (p *fakeProvider) CreateDirectory(ctx context.Context, apiPath string, meta models.FileMeta) *apierror.Error {
	return nil
}
func (p *fakeProvider) RemoveFile(ctx context.Context, apiPath string) *apierror.Error { return nil }
func (p *fakeProvider) RemoveDirectory(ctx context.Context, apiPath string) *apierror.Error {
	return nil
}
func (p *fakeProvider) RenameFile(ctx context.Context, from, to string) *apierror.Error { return nil }
func (p *fakeProvider) SupportsRename() bool                                           { return true }
func (p *fakeProvider) SupportsRangedRead() bool                                       { return true }
func (p *fakeProvider) GetDirectoryItems(ctx context.Context, apiPath string) ([]models.DirectoryItem, *apierror.Error) {
	return nil, apierror.New(apierror.NotImplemented, nil)
}
func (p *fakeProvider) IsDirectOnly() bool { return false }

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeMeta struct {
	mu     sync.Mutex
	source map[string]string
}

func newFakeMeta() *fakeMeta { return &fakeMeta{source: map[string]string{}} }

func (m *fakeMeta) put(apiPath, sourcePath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source[apiPath] = sourcePath
}

func (m *fakeMeta) GetValue(apiPath, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key != models.MetaSource {
		return "", nil
	}
	return m.source[apiPath], nil
}

func newTestManager(t *testing.T, prov *fakeProvider, meta *fakeMeta, bus *events.Bus, workers, retryLimit int) (*uploadmgr.Manager, *uploaddb.DB) {
	t.Helper()
	db, err := uploaddb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return uploadmgr.New(db, prov, meta, bus, workers, retryLimit), db
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true within %s", timeout)
}

func subscribeKind(bus *events.Bus, kind events.Kind) (*sync.Mutex, *[]events.Event) {
	var mu sync.Mutex
	var got []events.Event
	bus.Subscribe(events.SubscriberFunc(func(e events.Event) {
		if e.Kind == kind {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
		}
	}))
	return &mu, &got
}

func TestManagerQueueUploadUploadsSuccessfully(t *testing.T) {
	prov := &fakeProvider{uploadFile: func(ctx context.Context, apiPath, sourcePath string) *apierror.Error {
		return nil
	}}
	meta := newFakeMeta()
	meta.put("/a.txt", "/src/a.txt")
	bus := events.New(events.LevelTrace)
	mgr, db := newTestManager(t, prov, meta, bus, 1, 3)

	mu, completed := subscribeKind(bus, events.KindFileUploadCompleted)

	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	mgr.QueueUpload("/a.txt")

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*completed) == 1
	})

	mu.Lock()
	assert.Equal(t, "false", (*completed)[0].Field("cancelled"))
	mu.Unlock()

	active, err := db.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestManagerRetriesThenSucceeds(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	prov := &fakeProvider{uploadFile: func(ctx context.Context, apiPath, sourcePath string) *apierror.Error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return apierror.New(apierror.CommError, nil)
		}
		return nil
	}}
	meta := newFakeMeta()
	meta.put("/a.txt", "/src/a.txt")
	bus := events.New(events.LevelTrace)
	mgr, _ := newTestManager(t, prov, meta, bus, 1, 5)

	completedMu, completed := subscribeKind(bus, events.KindFileUploadCompleted)

	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	mgr.QueueUpload("/a.txt")

	waitFor(t, 5*time.Second, func() bool {
		completedMu.Lock()
		defer completedMu.Unlock()
		return len(*completed) == 1
	})

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestManagerTerminalErrorEmitsFailedAndClearsActive(t *testing.T) {
	prov := &fakeProvider{uploadFile: func(ctx context.Context, apiPath, sourcePath string) *apierror.Error {
		return apierror.New(apierror.AccessDenied, nil)
	}}
	meta := newFakeMeta()
	meta.put("/a.txt", "/src/a.txt")
	bus := events.New(events.LevelTrace)
	mgr, db := newTestManager(t, prov, meta, bus, 1, 3)

	mu, failed := subscribeKind(bus, events.KindFileUploadFailed)

	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	mgr.QueueUpload("/a.txt")

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*failed) == 1
	})

	active, err := db.ListActive()
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, 1, prov.callCount())
}

func TestManagerCancelUploadEmitsCancelledCompletion(t *testing.T) {
	started := make(chan struct{})
	prov := &fakeProvider{uploadFile: func(ctx context.Context, apiPath, sourcePath string) *apierror.Error {
		close(started)
		<-ctx.Done()
		return apierror.New(apierror.UploadStopped, nil)
	}}
	meta := newFakeMeta()
	meta.put("/a.txt", "/src/a.txt")
	bus := events.New(events.LevelTrace)
	mgr, _ := newTestManager(t, prov, meta, bus, 1, 3)

	mu, completed := subscribeKind(bus, events.KindFileUploadCompleted)

	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	mgr.QueueUpload("/a.txt")
	<-started

	waitFor(t, time.Second, func() bool {
		return mgr.CancelUpload("/a.txt")
	})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*completed) == 1
	})

	mu.Lock()
	assert.Equal(t, "true", (*completed)[0].Field("cancelled"))
	mu.Unlock()
}

func TestManagerStoreAndRemoveResume(t *testing.T) {
	prov := &fakeProvider{uploadFile: func(ctx context.Context, apiPath, sourcePath string) *apierror.Error {
		return nil
	}}
	meta := newFakeMeta()
	bus := events.New(events.LevelTrace)
	mgr, db := newTestManager(t, prov, meta, bus, 1, 3)

	state := bitset.New(8)
	mgr.StoreResume("/a.txt", 65536, state, "/src/a.txt")

	rec, err := db.GetResume("/a.txt")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, uint64(65536), rec.ChunkSize)
	assert.Equal(t, "/src/a.txt", rec.SourcePath)

	mgr.RemoveResume("/a.txt", "/src/a.txt")
	rec, err = db.GetResume("/a.txt")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestManagerIsQueuedReflectsPendingAndActive(t *testing.T) {
	prov := &fakeProvider{uploadFile: func(ctx context.Context, apiPath, sourcePath string) *apierror.Error {
		<-ctx.Done() // block until cancelled
		return apierror.New(apierror.UploadStopped, nil)
	}}
	meta := newFakeMeta()
	meta.put("/a.txt", "/src/a.txt")
	bus := events.New(events.LevelTrace)
	mgr, db := newTestManager(t, prov, meta, bus, 1, 3)

	assert.False(t, mgr.IsQueued("/a.txt"))

	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	mgr.QueueUpload("/a.txt")
	waitFor(t, time.Second, func() bool {
		active, err := db.ListActive()
		require.NoError(t, err)
		return len(active) == 1
	})

	assert.True(t, mgr.IsQueued("/a.txt"))
}

func TestManagerRemoveUploadDropsPendingAndActive(t *testing.T) {
	started := make(chan struct{})
	prov := &fakeProvider{uploadFile: func(ctx context.Context, apiPath, sourcePath string) *apierror.Error {
		close(started)
		<-ctx.Done()
		return apierror.New(apierror.UploadStopped, nil)
	}}
	meta := newFakeMeta()
	meta.put("/a.txt", "/src/a.txt")
	meta.put("/b.txt", "/src/b.txt")
	bus := events.New(events.LevelTrace)
	mgr, db := newTestManager(t, prov, meta, bus, 1, 3)

	require.NoError(t, mgr.Start())
	defer mgr.Stop()

	mgr.QueueUpload("/a.txt")
	<-started
	mgr.QueueUpload("/b.txt")

	waitFor(t, time.Second, func() bool {
		pending, err := db.ListPending()
		require.NoError(t, err)
		return len(pending) == 1
	})

	assert.True(t, mgr.RemoveUpload("/a.txt"))
	assert.True(t, mgr.RemoveUpload("/b.txt"))
	assert.False(t, mgr.RemoveUpload("/c.txt"))

	waitFor(t, time.Second, func() bool {
		return !mgr.IsQueued("/a.txt") && !mgr.IsQueued("/b.txt")
	})
}
