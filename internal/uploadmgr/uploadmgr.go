// Package uploadmgr implements the upload manager of spec §4.5: a
// bounded worker pool draining internal/uploaddb's persistent pending
// queue, moving each entry through active before calling the
// provider's UploadFile, and implementing openfile.UploadQueuer so
// internal/openfile never imports this package directly. Grounded on
// backend/cache/handle.go's backgroundWriter (a single poll-pending/
// upload/notify loop keyed off a state channel), generalized here to
// N concurrent workers since spec §4.5 names a configurable
// max_upload_count rather than the teacher's fixed single uploader.
package uploadmgr

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"repertory/internal/apierror"
	"repertory/internal/bitset"
	"repertory/internal/events"
	"repertory/internal/models"
	"repertory/internal/openfile"
	"repertory/internal/provider"
	"repertory/internal/rlog"
	"repertory/internal/uploaddb"
)

const subject = "uploadmgr"

// MetaSourceLookup is the subset of internal/metadb's surface the
// manager needs to resolve an api_path's source_path on queue_upload,
// which (unlike store_resume) is called with no source_path argument
// (spec §4.2 "Close sequence").
type MetaSourceLookup interface {
	GetValue(apiPath, key string) (string, error)
}

// Manager is the bounded upload worker pool of spec §4.5.
type Manager struct {
	db       *uploaddb.DB
	provider provider.Provider
	meta     MetaSourceLookup
	bus      *events.Bus

	workerCount int
	retryLimit  int

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ openfile.UploadQueuer = (*Manager)(nil)

// New builds a Manager. workerCount and retryLimit are clamped to at
// least 1 (of the config values feeding them, internal/rconfig clamps
// only MaxUploadCount the same way; RetryReadCount is passed through).
func New(db *uploaddb.DB, prov provider.Provider, meta MetaSourceLookup, bus *events.Bus, workerCount, retryLimit int) *Manager {
	if workerCount < 1 {
		workerCount = 1
	}
	if retryLimit < 1 {
		retryLimit = 1
	}
	return &Manager{
		db:          db,
		provider:    prov,
		meta:        meta,
		bus:         bus,
		workerCount: workerCount,
		retryLimit:  retryLimit,
		cancels:     map[string]context.CancelFunc{},
		wakeCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Start recovers any upload left `active` by a prior, unclean shutdown
// (spec §4.5 "startup recovery") and launches the worker pool.
func (m *Manager) Start() error {
	if err := m.recover(); err != nil {
		return err
	}
	for i := 0; i < m.workerCount; i++ {
		m.wg.Add(1)
		go m.worker(i)
	}
	return nil
}

// Stop signals every worker to exit, cancels any in-flight upload, and
// waits for the workers to drain.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// recover moves every entry found in `active` back onto `pending`,
// appended behind any entries already pending (not placed at the head);
// a file left active across a restart was mid-upload, not confirmed
// uploaded, so it is retried from scratch (spec §4.5).
func (m *Manager) recover() error {
	active, err := m.db.ListActive()
	if err != nil {
		return err
	}
	for apiPath, sourcePath := range active {
		if err := m.db.ClearActive(apiPath); err != nil {
			return err
		}
		if err := m.db.RequeueFront(apiPath, sourcePath); err != nil {
			return err
		}
		rlog.Infof(subject, "requeued interrupted upload %s", apiPath)
	}
	return nil
}

// QueueUpload enqueues apiPath for upload (spec §4.2 "Close sequence",
// modified && complete branch). The source path is resolved from the
// meta store since the File itself does not carry it at call time.
func (m *Manager) QueueUpload(apiPath string) {
	sourcePath, err := m.meta.GetValue(apiPath, models.MetaSource)
	if err != nil || sourcePath == "" {
		rlog.Errorf(subject, "queue_upload %s: no source_path in meta (%v)", apiPath, err)
		return
	}
	if _, err := m.db.Enqueue(apiPath, sourcePath); err != nil {
		rlog.Errorf(subject, "queue_upload %s: %v", apiPath, err)
		return
	}
	_ = m.db.RemoveResume(apiPath)
	m.bus.Publish(events.FileUploadQueued(apiPath))
	m.wake()
}

// StoreResume persists the partial-download bitmap for apiPath (spec
// §4.2 Write path/Resize/Close sequence's modified && !complete
// branch), restored by internal/openfiletable on a later Open.
func (m *Manager) StoreResume(apiPath string, chunkSize uint64, readState *bitset.Set, sourcePath string) {
	rec := uploaddb.ResumeRecord{
		ChunkSize:  chunkSize,
		ReadState:  uploaddb.ReadStateToHex(readState),
		SourcePath: sourcePath,
	}
	if err := m.db.StoreResume(apiPath, rec); err != nil {
		rlog.Errorf(subject, "store_resume %s: %v", apiPath, err)
	}
}

// RemoveResume drops any persisted resume record for apiPath, e.g.
// once a file has been fully re-downloaded and no longer needs one.
func (m *Manager) RemoveResume(apiPath, sourcePath string) {
	if err := m.db.RemoveResume(apiPath); err != nil {
		rlog.Errorf(subject, "remove_resume %s: %v", apiPath, err)
	}
}

// CancelUpload stops apiPath's in-flight upload if one is running,
// reporting whether one was found (spec §4.5 "cancel").
func (m *Manager) CancelUpload(apiPath string) bool {
	m.cancelMu.Lock()
	cancel, ok := m.cancels[apiPath]
	m.cancelMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// IsQueued reports whether apiPath currently has a pending or active
// upload (spec §4.2 "is_processing_upload"), satisfying
// openfile.UploadQueuer for CanClose.
func (m *Manager) IsQueued(apiPath string) bool {
	queued, err := m.db.IsQueued(apiPath)
	if err != nil {
		rlog.Errorf(subject, "is_queued %s: %v", apiPath, err)
		return false
	}
	return queued
}

// RemoveUpload deletes apiPath from both the pending and active sets,
// cancelling any in-flight upload first, reporting whether anything
// was found to remove (spec §4.5 "remove_upload").
func (m *Manager) RemoveUpload(apiPath string) bool {
	queued, err := m.db.IsQueued(apiPath)
	if err != nil {
		rlog.Errorf(subject, "remove_upload %s: %v", apiPath, err)
	}
	m.CancelUpload(apiPath)
	if err := m.db.ClearActive(apiPath); err != nil {
		rlog.Errorf(subject, "remove_upload %s: clear active: %v", apiPath, err)
	}
	if err := m.db.RemovePendingByApiPath(apiPath); err != nil {
		rlog.Errorf(subject, "remove_upload %s: remove pending: %v", apiPath, err)
	}
	return queued
}

func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *Manager) worker(id int) {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		entry, err := m.db.PopFront()
		if err != nil {
			rlog.Errorf(subject, "pop pending: %v", err)
			m.idle()
			continue
		}
		if entry == nil {
			m.idle()
			continue
		}

		m.processOnce(*entry)
	}
}

func (m *Manager) idle() {
	select {
	case <-m.stopCh:
	case <-m.wakeCh:
	case <-time.After(time.Second):
	}
}

// processOnce runs the worker-loop branches of spec §4.5: move to
// active, upload, then branch on success/cancel/retryable/terminal.
func (m *Manager) processOnce(pending uploaddb.PendingEntry) {
	apiPath, sourcePath := pending.ApiPath, pending.SourcePath

	if err := m.db.SetActive(apiPath, sourcePath); err != nil {
		rlog.Errorf(subject, "mark active %s: %v", apiPath, err)
		return
	}

	boff := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}

	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithCancel(context.Background())
		m.setCancel(apiPath, cancel)
		go func() {
			select {
			case <-m.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		aerr := m.provider.UploadFile(ctx, apiPath, sourcePath)

		m.clearCancel(apiPath)
		cancel()

		switch {
		case aerr == nil:
			_ = m.db.ClearActive(apiPath)
			_ = m.db.RemoveResume(apiPath)
			m.bus.Publish(events.FileUploadCompleted(apiPath, false))
			return

		case aerr.Code.IsCancellation():
			// active/resume are left as-is: a cancelled upload may be
			// resumed or re-queued explicitly by the caller.
			m.bus.Publish(events.FileUploadCompleted(apiPath, true))
			return

		case isRetryable(aerr.Code) && attempt < m.retryLimit:
			wait := boff.Duration()
			rlog.Warnf(subject, "upload %s failed (attempt %d/%d): %v, retrying in %s",
				apiPath, attempt+1, m.retryLimit, aerr, wait)
			select {
			case <-time.After(wait):
			case <-m.stopCh:
				_ = m.db.ClearActive(apiPath)
				return
			}
			continue

		default:
			_ = m.db.ClearActive(apiPath)
			m.bus.Publish(events.FileUploadFailed(apiPath, aerr.Error()))
			rlog.Errorf(subject, "upload %s failed permanently: %v", apiPath, aerr)
			return
		}
	}
}

func (m *Manager) setCancel(apiPath string, cancel context.CancelFunc) {
	m.cancelMu.Lock()
	m.cancels[apiPath] = cancel
	m.cancelMu.Unlock()
}

func (m *Manager) clearCancel(apiPath string) {
	m.cancelMu.Lock()
	delete(m.cancels, apiPath)
	m.cancelMu.Unlock()
}

// isRetryable reports whether code represents a transient condition
// worth retrying within retry_read_count, as opposed to a terminal
// failure (spec §9's bounded-retry redesign).
func isRetryable(code apierror.Code) bool {
	switch code {
	case apierror.CommError, apierror.OsError, apierror.NoDiskSpace:
		return true
	default:
		return false
	}
}
