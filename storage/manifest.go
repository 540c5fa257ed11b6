package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	manifestVersion = "1"

	// lockTimeout bounds how long a store waits for another process
	// to release the advisory lock.
	lockTimeout = 5 * time.Second
)

// ItemState records what is known about one synced item: the change markers
// from the last successful sync and the failure trail if the item keeps
// erroring. A zero ItemState means the item has never been synced.
type ItemState struct {
	ETag        string    `json:"etag,omitempty"`
	UpdatedAt   string    `json:"updated_at,omitempty"`
	Size        int64     `json:"size,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	ErrorCount  int       `json:"error_count,omitempty"`
	SyncedAt    time.Time `json:"synced_at,omitempty"`
}

type manifestFile struct {
	Version   string               `json:"version"`
	UpdatedAt time.Time            `json:"updated_at"`
	Items     map[string]ItemState `json:"items"`
}

// Manifest is the per-course sync ledger, stored as a single JSON file.
// It is safe for concurrent use within a process; cross-process access
// is serialized by a file lock around loads and saves.
type Manifest struct {
	path string
	mu   sync.RWMutex
	data manifestFile
}

// OpenManifest loads the manifest at path, creating an empty one in memory
// if the file does not exist yet. A file that exists but cannot be parsed
// is reported as ErrStorageCorrupt rather than silently replaced.
func OpenManifest(path string) (*Manifest, error) {
	if path == "" {
		return nil, &StorageError{Op: "load", Entity: "manifest", Err: ErrInvalidInput}
	}
	m := &Manifest{
		path: path,
		data: manifestFile{Version: manifestVersion, Items: make(map[string]ItemState)},
	}

	lock := NewFileLock(path)
	if err := lock.Lock(lockTimeout); err != nil {
		return nil, &StorageError{Op: "load", Entity: "manifest", ID: path, Err: err}
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "load", Entity: "manifest", ID: path, Err: err}
	}

	if err := json.Unmarshal(raw, &m.data); err != nil {
		return nil, &StorageError{Op: "load", Entity: "manifest", ID: path,
			Err: fmt.Errorf("%w: %v", ErrStorageCorrupt, err)}
	}
	if m.data.Items == nil {
		m.data.Items = make(map[string]ItemState)
	}
	return m, nil
}

// Get returns the recorded state for an item key.
func (m *Manifest) Get(key string) (ItemState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.data.Items[key]
	return st, ok
}

// Set records the state for an item key. A successful sync resets the
// failure trail. Changes are in-memory until Save is called.
func (m *Manifest) Set(key string, st ItemState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st.LastError = ""
	st.ErrorCount = 0
	m.data.Items[key] = st
}

// RecordError remembers that syncing an item failed, keeping whatever
// state was recorded on the last success so change detection still works.
func (m *Manifest) RecordError(key, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.data.Items[key]
	st.LastError = msg
	st.ErrorCount++
	m.data.Items[key] = st
}

// Delete removes an item from the manifest.
func (m *Manifest) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data.Items, key)
}

// Len returns the number of tracked items.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.data.Items)
}

// Save writes the manifest to disk atomically under the file lock.
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data.UpdatedAt = time.Now().UTC()

	raw, err := json.MarshalIndent(&m.data, "", "  ")
	if err != nil {
		return &StorageError{Op: "save", Entity: "manifest", ID: m.path, Err: err}
	}

	lock := NewFileLock(m.path)
	if err := lock.Lock(lockTimeout); err != nil {
		return &StorageError{Op: "save", Entity: "manifest", ID: m.path, Err: err}
	}
	defer lock.Unlock()

	w, err := NewAtomicWriter(m.path)
	if err != nil {
		return &StorageError{Op: "save", Entity: "manifest", ID: m.path, Err: err}
	}
	if _, err := w.Write(raw); err != nil {
		w.Abort()
		return &StorageError{Op: "save", Entity: "manifest", ID: m.path, Err: err}
	}
	if err := w.Commit(); err != nil {
		return &StorageError{Op: "save", Entity: "manifest", ID: m.path, Err: err}
	}
	return nil
}
