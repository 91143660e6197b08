// Package mountreg tracks the set of currently active mounts across
// process restarts, backing the CLI's "drives" (list active mounts)
// and "unmount" subcommands (spec §6's CLI surface). No domain-stack
// library in the pack targets this (it's process-table bookkeeping,
// not a core algorithm), so it is plain stdlib JSON plus a liveness
// check of each recorded PID (on Unix, by sending it signal 0) — see
// DESIGN.md.
package mountreg

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one registered mount.
type Entry struct {
	MountPoint string    `json:"mount_point"`
	DataDir    string    `json:"data_dir"`
	Pid        int       `json:"pid"`
	StartedAt  time.Time `json:"started_at"`
}

// Registry is the on-disk set of Entry records at path.
type Registry struct {
	mu   sync.Mutex
	path string
}

// Open returns a Registry backed by path, creating its parent
// directory if necessary. The file itself is created lazily on first
// write.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Registry{path: path}, nil
}

func (r *Registry) load() ([]Entry, error) {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Registry) save(entries []Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.path, data, 0o644)
}

// Add records mountPoint as active under the calling process's PID,
// pruning any stale entries found first.
func (r *Registry) Add(mountPoint, dataDir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return err
	}
	entries = pruneDead(entries)
	entries = append(entries, Entry{
		MountPoint: mountPoint,
		DataDir:    dataDir,
		Pid:        os.Getpid(),
		StartedAt:  time.Now(),
	})
	return r.save(entries)
}

// Remove drops mountPoint from the registry (called on clean unmount).
func (r *Registry) Remove(mountPoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.MountPoint != mountPoint {
			out = append(out, e)
		}
	}
	return r.save(out)
}

// List returns every live entry, pruning and persisting the dead ones
// it finds along the way.
func (r *Registry) List() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return nil, err
	}
	live := pruneDead(entries)
	if len(live) != len(entries) {
		if err := r.save(live); err != nil {
			return nil, err
		}
	}
	return live, nil
}

// Find returns the entry for mountPoint, if any live entry matches.
func (r *Registry) Find(mountPoint string) (Entry, bool, error) {
	entries, err := r.List()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.MountPoint == mountPoint {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func pruneDead(entries []Entry) []Entry {
	live := entries[:0]
	for _, e := range entries {
		if processAlive(e.Pid) {
			live = append(live, e)
		}
	}
	return live
}
