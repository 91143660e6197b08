// Package uploaddb implements the Upload DB of spec §6: the `upload`
// (pending FIFO), `upload_active`, and resume-record families consumed
// by internal/uploadmgr. Built on go.etcd.io/bbolt, one bucket per
// family, following the same pattern as internal/filedb and grounded
// on backend/cache/storage_persistent.go's addPendingUpload/
// getPendingUpload/rollbackPendingUpload FIFO-over-bolt implementation.
package uploaddb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"repertory/internal/apipath"
	"repertory/internal/bitset"
)

var (
	bucketPending = []byte("upload")
	bucketActive  = []byte("upload_active")
	bucketResume  = []byte("resume")
)

// ResumeRecord is the persisted state of a partially downloaded file so
// a later queue_upload can proceed (spec §4.5). Nothing loads it at
// startup; internal/openfiletable reads it when the file is next opened.
type ResumeRecord struct {
	ChunkSize  uint64 `json:"chunk_size"`
	ReadState  string `json:"read_state"`
	SourcePath string `json:"source_path"`
}

// PendingEntry is one FIFO-ordered pending upload.
type PendingEntry struct {
	ID         uint64
	ApiPath    string
	SourcePath string
}

// DB wraps the db/file_mgr bbolt file.
type DB struct {
	bolt *bolt.DB

	mu     sync.Mutex
	nextID uint64
}

// Open opens (creating if necessary) db/file_mgr/upload.db under
// dataDirectory, and primes the FIFO id counter from the highest
// existing pending key.
func Open(dataDirectory string) (*DB, error) {
	dir := filepath.Join(dataDirectory, "db", "file_mgr")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("uploaddb: creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, "upload.db")
	b, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("uploaddb: opening %s: %w", path, err)
	}

	err = b.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPending, bucketActive, bucketResume} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("uploaddb: creating buckets: %w", err)
	}

	db := &DB{bolt: b}
	if err := db.primeNextID(); err != nil {
		b.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) Close() error {
	return d.bolt.Close()
}

func (d *DB) primeNextID() error {
	var maxID uint64
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPending).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			id, _, err := decodeKey(k)
			if err != nil {
				continue
			}
			if id > maxID {
				maxID = id
			}
		}
		return nil
	})
	d.nextID = maxID + 1
	return err
}

// zeroPaddedID(20) + '|' + api_path, per spec §6 so a byte-order key
// scan gives FIFO order regardless of id magnitude.
func encodeKey(id uint64, apiPath string) []byte {
	return []byte(fmt.Sprintf("%020d|%s", id, apiPath))
}

func decodeKey(key []byte) (uint64, string, error) {
	s := string(key)
	if len(s) < 21 || s[20] != '|' {
		return 0, "", fmt.Errorf("uploaddb: malformed pending key %q", s)
	}
	id, err := parseUint20(s[:20])
	if err != nil {
		return 0, "", err
	}
	return id, s[21:], nil
}

func parseUint20(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%020d", &v)
	return v, err
}

// Enqueue appends apiPath/sourcePath to the pending FIFO and returns
// its assigned id.
func (d *DB) Enqueue(apiPath, sourcePath string) (uint64, error) {
	apiPath = apipath.Format(apiPath)
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.mu.Unlock()

	err := d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put(encodeKey(id, apiPath), []byte(sourcePath))
	})
	if err != nil {
		return 0, fmt.Errorf("uploaddb: enqueue %s: %w", apiPath, err)
	}
	return id, nil
}

// PopFront returns and removes the earliest pending entry, or
// (nil, nil) if the queue is empty.
func (d *DB) PopFront() (*PendingEntry, error) {
	var entry *PendingEntry
	err := d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		c := b.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		id, apiPath, err := decodeKey(k)
		if err != nil {
			return err
		}
		entry = &PendingEntry{ID: id, ApiPath: apiPath, SourcePath: string(v)}
		return b.Delete(k)
	})
	if err != nil {
		return nil, fmt.Errorf("uploaddb: pop front: %w", err)
	}
	return entry, nil
}

// RequeueFront re-enqueues apiPath/sourcePath, used by startup recovery
// to move everything found in `active` back into pending (spec §4.5).
// It takes the next id like Enqueue, so the entry is appended behind any
// entries already pending rather than placed at the head.
func (d *DB) RequeueFront(apiPath, sourcePath string) error {
	apiPath = apipath.Format(apiPath)
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.mu.Unlock()
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Put(encodeKey(id, apiPath), []byte(sourcePath))
	})
}

// ListPending returns every pending entry in FIFO order.
func (d *DB) ListPending() ([]PendingEntry, error) {
	var out []PendingEntry
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPending).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			id, apiPath, err := decodeKey(k)
			if err != nil {
				return err
			}
			out = append(out, PendingEntry{ID: id, ApiPath: apiPath, SourcePath: string(v)})
		}
		return nil
	})
	return out, err
}

// RemovePendingByApiPath deletes every pending entry for apiPath
// (spec §4.5 remove_upload).
func (d *DB) RemovePendingByApiPath(apiPath string) error {
	apiPath = apipath.Format(apiPath)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPending)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			_, p, err := decodeKey(k)
			if err != nil {
				continue
			}
			if p == apiPath {
				dup := append([]byte(nil), k...)
				toDelete = append(toDelete, dup)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// IsQueued reports whether apiPath has a pending or active upload.
func (d *DB) IsQueued(apiPath string) (bool, error) {
	apiPath = apipath.Format(apiPath)
	var queued bool
	err := d.bolt.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketActive).Get([]byte(apiPath)) != nil {
			queued = true
			return nil
		}
		c := tx.Bucket(bucketPending).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			_, p, err := decodeKey(k)
			if err != nil {
				continue
			}
			if p == apiPath {
				queued = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("uploaddb: is queued %s: %w", apiPath, err)
	}
	return queued, nil
}

// SetActive moves apiPath into the active set.
func (d *DB) SetActive(apiPath, sourcePath string) error {
	apiPath = apipath.Format(apiPath)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActive).Put([]byte(apiPath), []byte(sourcePath))
	})
}

// ClearActive removes apiPath from the active set.
func (d *DB) ClearActive(apiPath string) error {
	apiPath = apipath.Format(apiPath)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActive).Delete([]byte(apiPath))
	})
}

// ListActive returns every (apiPath, sourcePath) currently active.
func (d *DB) ListActive() (map[string]string, error) {
	out := map[string]string{}
	err := d.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketActive).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	return out, err
}

// StoreResume persists the resume record for apiPath.
func (d *DB) StoreResume(apiPath string, rec ResumeRecord) error {
	apiPath = apipath.Format(apiPath)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("uploaddb: encoding resume for %s: %w", apiPath, err)
	}
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResume).Put([]byte(apiPath), data)
	})
}

// GetResume returns the resume record for apiPath, or nil if absent.
func (d *DB) GetResume(apiPath string) (*ResumeRecord, error) {
	apiPath = apipath.Format(apiPath)
	var out *ResumeRecord
	err := d.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketResume).Get([]byte(apiPath))
		if v == nil {
			return nil
		}
		var rec ResumeRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = &rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("uploaddb: get resume %s: %w", apiPath, err)
	}
	return out, nil
}

// RemoveResume deletes the resume record for apiPath.
func (d *DB) RemoveResume(apiPath string) error {
	apiPath = apipath.Format(apiPath)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResume).Delete([]byte(apiPath))
	})
}

// ListResume returns every persisted resume record, keyed by api_path.
func (d *DB) ListResume() (map[string]ResumeRecord, error) {
	out := map[string]ResumeRecord{}
	err := d.bolt.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResume).ForEach(func(k, v []byte) error {
			var rec ResumeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out[string(k)] = rec
			return nil
		})
	})
	return out, err
}

// ReadStateToHex/ReadStateFromHex are convenience wrappers used by callers
// storing a *bitset.Set inside a ResumeRecord.
func ReadStateToHex(s *bitset.Set) string {
	return s.ToHex()
}

func ReadStateFromHex(length uint, hex string) (*bitset.Set, error) {
	return bitset.FromHex(length, hex)
}
