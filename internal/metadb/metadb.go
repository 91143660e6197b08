// Package metadb implements the SQLite-backed meta store of spec §6:
// a single `meta` table keyed by api_path, with four promoted columns
// (directory, pinned, size, source_path) and a JSON `data` column
// holding every other FileMeta key.
package metadb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"repertory/internal/apipath"
	"repertory/internal/models"
	"repertory/internal/rlog"
)

const subject = "metadb"

const schema = `
CREATE TABLE IF NOT EXISTS meta(
  api_path TEXT PRIMARY KEY ASC,
  data TEXT,
  directory INTEGER,
  pinned INTEGER,
  size INTEGER,
  source_path TEXT
);
`

// promotedKeys are the FileMeta keys stored in their own columns
// rather than folded into the JSON `data` blob.
var promotedKeys = map[string]bool{
	models.MetaDirectory: true,
	models.MetaPinned:    true,
	models.MetaSize:      true,
	models.MetaSource:    true,
}

// DB wraps the meta.db SQLite connection.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) db/meta.db under dataDirectory.
func Open(dataDirectory string) (*DB, error) {
	dir := filepath.Join(dataDirectory, "db")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metadb: creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, "meta.db")
	sqlDB, err := sql.Open("sqlite3", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("metadb: opening %s: %w", path, err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("metadb: creating schema: %w", err)
	}
	return &DB{sql: sqlDB}, nil
}

func (d *DB) Close() error {
	return d.sql.Close()
}

// Get returns the full FileMeta for apiPath, or nil if no row exists.
func (d *DB) Get(apiPath string) (models.FileMeta, error) {
	apiPath = apipath.Format(apiPath)
	row := d.sql.QueryRow(
		`SELECT data, directory, pinned, size, source_path FROM meta WHERE api_path = ?`,
		apiPath,
	)

	var data sql.NullString
	var directory, pinned int
	var size int64
	var sourcePath sql.NullString
	if err := row.Scan(&data, &directory, &pinned, &size, &sourcePath); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("metadb: get %s: %w", apiPath, err)
	}

	meta := models.FileMeta{}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &meta); err != nil {
			return nil, fmt.Errorf("metadb: decoding data column for %s: %w", apiPath, err)
		}
	}
	meta.SetBool(models.MetaDirectory, directory != 0)
	meta.SetBool(models.MetaPinned, pinned != 0)
	meta.SetUint64(models.MetaSize, uint64(size))
	if sourcePath.Valid {
		meta[models.MetaSource] = sourcePath.String
	}
	return meta, nil
}

// GetValue returns a single meta key's value, "" if absent.
func (d *DB) GetValue(apiPath, key string) (string, error) {
	meta, err := d.Get(apiPath)
	if err != nil {
		return "", err
	}
	if meta == nil {
		return "", nil
	}
	return meta[key], nil
}

// Set upserts the full row for apiPath from meta, splitting promoted
// columns from the opaque JSON blob.
func (d *DB) Set(apiPath string, meta models.FileMeta) error {
	apiPath = apipath.Format(apiPath)
	rest := models.FileMeta{}
	for k, v := range meta {
		if !promotedKeys[k] {
			rest[k] = v
		}
	}
	dataJSON, err := json.Marshal(rest)
	if err != nil {
		return fmt.Errorf("metadb: encoding data column for %s: %w", apiPath, err)
	}

	_, err = d.sql.Exec(
		`INSERT INTO meta(api_path, data, directory, pinned, size, source_path)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(api_path) DO UPDATE SET
		   data=excluded.data, directory=excluded.directory,
		   pinned=excluded.pinned, size=excluded.size,
		   source_path=excluded.source_path`,
		apiPath, string(dataJSON),
		boolToInt(meta.Bool(models.MetaDirectory)),
		boolToInt(meta.Bool(models.MetaPinned)),
		int64(meta.Uint64(models.MetaSize)),
		meta[models.MetaSource],
	)
	if err != nil {
		rlog.Errorf(subject, "failed to set meta for %s: %v", apiPath, err)
		return fmt.Errorf("metadb: set %s: %w", apiPath, err)
	}
	return nil
}

// SetValue upserts a single key, preserving every other existing key.
func (d *DB) SetValue(apiPath, key, value string) error {
	meta, err := d.Get(apiPath)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = models.FileMeta{}
	}
	meta[key] = value
	return d.Set(apiPath, meta)
}

// Remove deletes the row for apiPath, if any.
func (d *DB) Remove(apiPath string) error {
	apiPath = apipath.Format(apiPath)
	_, err := d.sql.Exec(`DELETE FROM meta WHERE api_path = ?`, apiPath)
	if err != nil {
		return fmt.Errorf("metadb: remove %s: %w", apiPath, err)
	}
	return nil
}

// Exists reports whether a row exists for apiPath.
func (d *DB) Exists(apiPath string) (bool, error) {
	apiPath = apipath.Format(apiPath)
	var n int
	err := d.sql.QueryRow(`SELECT COUNT(1) FROM meta WHERE api_path = ?`, apiPath).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("metadb: exists %s: %w", apiPath, err)
	}
	return n > 0, nil
}

// Rename moves a row from oldPath to newPath, preserving all columns.
func (d *DB) Rename(oldPath, newPath string) error {
	meta, err := d.Get(oldPath)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("metadb: rename: no meta for %s", oldPath)
	}
	if err := d.Set(newPath, meta); err != nil {
		return err
	}
	return d.Remove(oldPath)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
