// Package filedb implements the File DB of spec §6: api_path <->
// source_path lookups and the per-file {file_size, iv, source_path}
// record, plus the directory-existence family. Spec §6 names RocksDB
// column families; this module reproduces the same "one bucket per
// family, updates wrapped in a single transaction" shape with
// go.etcd.io/bbolt, the persistence library the teacher already uses
// for exactly this kind of bucket-per-family store
// (backend/cache/storage_persistent.go).
package filedb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"repertory/internal/apipath"
	"repertory/internal/models"
)

var (
	bucketPath      = []byte("path")
	bucketSource    = []byte("source")
	bucketDirectory = []byte("directory")
	bucketFile      = []byte("file")
)

// DB wraps the db/file bbolt file.
type DB struct {
	bolt *bolt.DB
}

// Open opens (creating if necessary) db/file/file.db under dataDirectory.
func Open(dataDirectory string) (*DB, error) {
	dir := filepath.Join(dataDirectory, "db", "file")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filedb: creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, "file.db")
	b, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("filedb: opening %s: %w", path, err)
	}

	err = b.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPath, bucketSource, bucketDirectory, bucketFile} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("filedb: creating buckets: %w", err)
	}
	return &DB{bolt: b}, nil
}

func (d *DB) Close() error {
	return d.bolt.Close()
}

type fileRecord struct {
	FileSize   uint64     `json:"file_size"`
	IV         [][24]byte `json:"iv,omitempty"`
	SourcePath string     `json:"source_path"`
}

// AddFile records a new file: path/source cross-index plus the `file`
// family's {file_size, iv, source_path} record. All three writes happen
// in one transaction; on failure the transaction rolls back as a unit
// (spec §6 "Updates across families are wrapped in a single
// pessimistic transaction").
func (d *DB) AddFile(data models.FileData) error {
	apiPath := apipath.Format(data.ApiPath)
	rec := fileRecord{FileSize: data.FileSize, IV: data.IVList, SourcePath: data.SourcePath}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("filedb: encoding record for %s: %w", apiPath, err)
	}

	return d.bolt.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketPath).Put([]byte(apiPath), []byte(data.SourcePath)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSource).Put([]byte(data.SourcePath), []byte(apiPath)); err != nil {
			return err
		}
		return tx.Bucket(bucketFile).Put([]byte(apiPath), recJSON)
	})
}

// GetFile returns the {file_size, iv, source_path} record for apiPath.
func (d *DB) GetFile(apiPath string) (*models.FileData, error) {
	apiPath = apipath.Format(apiPath)
	var out *models.FileData
	err := d.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketFile).Get([]byte(apiPath))
		if v == nil {
			return nil
		}
		var rec fileRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = &models.FileData{
			ApiPath:    apiPath,
			FileSize:   rec.FileSize,
			SourcePath: rec.SourcePath,
			IVList:     rec.IV,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filedb: get %s: %w", apiPath, err)
	}
	return out, nil
}

// SourcePath resolves api_path -> source_path via the `path` family.
func (d *DB) SourcePath(apiPath string) (string, bool, error) {
	apiPath = apipath.Format(apiPath)
	var sourcePath string
	var found bool
	err := d.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketPath).Get([]byte(apiPath))
		if v != nil {
			sourcePath = string(v)
			found = true
		}
		return nil
	})
	return sourcePath, found, err
}

// ApiPath resolves source_path -> api_path via the `source` family.
func (d *DB) ApiPath(sourcePath string) (string, bool, error) {
	var apiPath string
	var found bool
	err := d.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSource).Get([]byte(sourcePath))
		if v != nil {
			apiPath = string(v)
			found = true
		}
		return nil
	})
	return apiPath, found, err
}

// RemoveFile deletes apiPath from the source, path and file families in
// one transaction; the directory family is left untouched.
func (d *DB) RemoveFile(apiPath string) error {
	apiPath = apipath.Format(apiPath)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		sourcePath := tx.Bucket(bucketPath).Get([]byte(apiPath))
		if sourcePath != nil {
			if err := tx.Bucket(bucketSource).Delete(sourcePath); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketPath).Delete([]byte(apiPath)); err != nil {
			return err
		}
		return tx.Bucket(bucketFile).Delete([]byte(apiPath))
	})
}

// RenameFile moves apiPath's cross-index entries to newApiPath,
// keeping the same source_path and file record.
func (d *DB) RenameFile(apiPath, newApiPath string) error {
	apiPath = apipath.Format(apiPath)
	newApiPath = apipath.Format(newApiPath)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		sourcePath := tx.Bucket(bucketPath).Get([]byte(apiPath))
		if sourcePath == nil {
			return fmt.Errorf("filedb: rename: no entry for %s", apiPath)
		}
		fileRec := tx.Bucket(bucketFile).Get([]byte(apiPath))

		if err := tx.Bucket(bucketPath).Delete([]byte(apiPath)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketFile).Delete([]byte(apiPath)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPath).Put([]byte(newApiPath), sourcePath); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSource).Put(sourcePath, []byte(newApiPath)); err != nil {
			return err
		}
		if fileRec != nil {
			return tx.Bucket(bucketFile).Put([]byte(newApiPath), fileRec)
		}
		return nil
	})
}

// AddDirectory records apiPath as a directory with the given
// source_path (used for provider adapters that materialize directory
// placeholders, e.g. encrypt-provider).
func (d *DB) AddDirectory(apiPath, sourcePath string) error {
	apiPath = apipath.Format(apiPath)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirectory).Put([]byte(apiPath), []byte(sourcePath))
	})
}

// RemoveDirectory deletes the directory-family entry for apiPath.
func (d *DB) RemoveDirectory(apiPath string) error {
	apiPath = apipath.Format(apiPath)
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirectory).Delete([]byte(apiPath))
	})
}

// DirectoryExists reports whether apiPath has a directory-family entry.
func (d *DB) DirectoryExists(apiPath string) (bool, error) {
	apiPath = apipath.Format(apiPath)
	var found bool
	err := d.bolt.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketDirectory).Get([]byte(apiPath)) != nil
		return nil
	})
	return found, err
}
