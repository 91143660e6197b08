// Package eviction implements the eviction loop of spec §4.6: a
// background scan triggered by cache-directory usage exceeding
// max_cache_size_bytes, reclaiming the oldest unmodified, fully
// downloaded, unpinned source files until usage falls back under a
// low-water mark. Grounded on backend/cache/cache.go's directory-walk
// size accounting (Fs.cache's on-disk bookkeeping) and generalized to
// the table-aware candidate set spec §4.6 requires.
package eviction

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"repertory/internal/events"
	"repertory/internal/filedb"
	"repertory/internal/metadb"
	"repertory/internal/models"
	"repertory/internal/openfiletable"
	"repertory/internal/rlog"
	"repertory/internal/uploaddb"
)

const subject = "eviction"

// lowWaterFraction is the "e.g. 90%" low-water mark named by spec
// §4.6; the eviction loop stops reclaiming once usage falls under
// this fraction of the configured ceiling.
const lowWaterFraction = 0.9

// scanConcurrency bounds the number of concurrent meta-store lookups
// performed while classifying on-disk candidates.
const scanConcurrency = 8

// Options configures a Loop; callers translate the relevant
// rconfig.Config fields into this shape.
type Options struct {
	CacheDirectory    string
	MaxCacheSizeBytes uint64
	UseAccessedTime   bool
	ScanInterval      time.Duration
}

// Loop is the background eviction scanner of spec §4.6.
type Loop struct {
	opts    Options
	table   *openfiletable.Table
	meta    *metadb.DB
	files   *filedb.DB
	uploads *uploaddb.DB
	bus     *events.Bus

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Loop over an already-open Table/meta/file/upload store
// set. uploads is consulted in classifyOne so a file with a pending or
// active upload is never offered as an eviction candidate, even once
// it has fallen out of the open-file table (spec §8 "the file is not
// in the upload queue").
func New(opts Options, table *openfiletable.Table, meta *metadb.DB, files *filedb.DB, uploads *uploaddb.DB, bus *events.Bus) *Loop {
	return &Loop{
		opts:    opts,
		table:   table,
		meta:    meta,
		files:   files,
		uploads: uploads,
		bus:     bus,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the periodic scan, one pass every ScanInterval. It
// does nothing when ScanInterval is zero or negative.
func (l *Loop) Start() {
	if l.opts.ScanInterval <= 0 {
		return
	}
	l.wg.Add(1)
	go l.runLoop()
}

// Stop halts the scanner and waits for the in-flight pass to finish.
func (l *Loop) Stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	l.wg.Wait()
}

func (l *Loop) runLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			if err := l.RunOnce(); err != nil {
				rlog.Errorf(subject, "scan failed: %v", err)
			}
		}
	}
}

// candidate is one on-disk source file eligible for reclaim ordering.
type candidate struct {
	apiPath    string
	sourcePath string
	size       uint64
	orderTime  time.Time
}

// RunOnce performs a single scan-and-reclaim pass (spec §4.6). It is
// exported so callers (tests, a manual "reclaim now" admin trigger)
// can drive it synchronously outside the periodic loop.
func (l *Loop) RunOnce() error {
	usage, files, err := l.scanDisk()
	if err != nil {
		return err
	}
	if usage <= l.opts.MaxCacheSizeBytes {
		return nil
	}

	candidates, err := l.classify(files)
	if err != nil {
		return err
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].orderTime.Before(candidates[j].orderTime)
	})

	lowWater := uint64(float64(l.opts.MaxCacheSizeBytes) * lowWaterFraction)
	for _, c := range candidates {
		if usage <= lowWater {
			break
		}
		freed, ok := l.reclaim(c)
		if ok {
			usage -= freed
		}
	}
	return nil
}

// scanDisk walks CacheDirectory, returning total usage and every
// regular file found.
func (l *Loop) scanDisk() (uint64, []string, error) {
	var usage uint64
	var files []string
	err := filepath.WalkDir(l.opts.CacheDirectory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		usage += uint64(info.Size())
		files = append(files, path)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return usage, files, nil
}

// classify resolves each on-disk file back to its api_path via
// internal/filedb's reverse index, filters out files the open-file
// table reports as ineligible or the meta store reports as pinned,
// and fetches each survivor's ordering timestamp concurrently (spec
// §4.6 "candidate set").
func (l *Loop) classify(sourcePaths []string) ([]candidate, error) {
	results := make([]*candidate, len(sourcePaths))

	g := &errgroup.Group{}
	g.SetLimit(scanConcurrency)
	for i, sourcePath := range sourcePaths {
		i, sourcePath := i, sourcePath
		g.Go(func() error {
			c, ok, err := l.classifyOne(sourcePath)
			if err != nil {
				rlog.Warnf(subject, "classify %s: %v", sourcePath, err)
				return nil
			}
			if ok {
				results[i] = c
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]candidate, 0, len(results))
	for _, c := range results {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (l *Loop) classifyOne(sourcePath string) (*candidate, bool, error) {
	apiPath, found, err := l.files.ApiPath(sourcePath)
	if err != nil {
		return nil, false, err
	}
	if !found {
		// Not tracked by the file DB at all (e.g. a stray temp file);
		// not an eviction candidate, only a disk-usage contributor.
		return nil, false, nil
	}

	meta, err := l.meta.Get(apiPath)
	if err != nil {
		return nil, false, err
	}
	if meta == nil {
		return nil, false, nil
	}
	if meta.Bool(models.MetaPinned) {
		return nil, false, nil
	}

	if l.table.Has(apiPath) && !l.table.Eligible(apiPath) {
		return nil, false, nil
	}

	if l.uploads != nil {
		queued, err := l.uploads.IsQueued(apiPath)
		if err != nil {
			return nil, false, err
		}
		if queued {
			return nil, false, nil
		}
	}

	var orderTime time.Time
	if l.opts.UseAccessedTime {
		orderTime = time.Unix(int64(meta.Uint64(models.MetaAccessed)), 0)
	} else {
		orderTime = time.Unix(int64(meta.Uint64(models.MetaModified)), 0)
	}

	return &candidate{
		apiPath:    apiPath,
		sourcePath: sourcePath,
		size:       meta.Uint64(models.MetaSize),
		orderTime:  orderTime,
	}, true, nil
}

// reclaim re-verifies eligibility and, if it still holds, removes c
// from the table, unlinks its source file, clears META_SOURCE, and
// emits filesystem_item_evicted (spec §4.6 steps 1-5).
func (l *Loop) reclaim(c candidate) (uint64, bool) {
	if l.table.Has(c.apiPath) {
		if !l.table.Evict(c.apiPath) {
			return 0, false
		}
	}

	meta, err := l.meta.Get(c.apiPath)
	if err != nil || meta == nil {
		return 0, false
	}
	if meta.Bool(models.MetaPinned) {
		return 0, false
	}

	if l.uploads != nil {
		if queued, err := l.uploads.IsQueued(c.apiPath); err != nil || queued {
			return 0, false
		}
	}

	if err := os.Remove(c.sourcePath); err != nil && !os.IsNotExist(err) {
		rlog.Errorf(subject, "evict %s: unlink %s: %v", c.apiPath, c.sourcePath, err)
		return 0, false
	}

	meta[models.MetaSource] = ""
	if err := l.meta.Set(c.apiPath, meta); err != nil {
		rlog.Errorf(subject, "evict %s: clear source meta: %v", c.apiPath, err)
	}
	if err := l.files.RemoveFile(c.apiPath); err != nil {
		rlog.Warnf(subject, "evict %s: clear file index: %v", c.apiPath, err)
	}

	l.bus.Publish(events.FilesystemItemEvicted(c.apiPath))
	rlog.Debugf(subject, "evicted %s (%d bytes)", c.apiPath, c.size)
	return c.size, true
}
