package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"lmsync/http"
)

const sessionVersion = "1"

// ReplayAuth is the captured authorization for re-downloading one recording
// outside the browser: the signed asset URL plus the request headers the
// player sent when it fetched it.
type ReplayAuth struct {
	DownloadURL string            `json:"download_url"`
	Headers     map[string]string `json:"headers"`
	CapturedAt  time.Time         `json:"captured_at"`
}

type sessionFile struct {
	Version   string                `json:"version"`
	UpdatedAt time.Time             `json:"updated_at"`
	Cookies   []http.Cookie         `json:"cookies,omitempty"`
	Headers   map[string]string     `json:"headers,omitempty"`
	Scid      string                `json:"scid,omitempty"`
	Auth      map[string]ReplayAuth `json:"auth,omitempty"`
}

// SessionStore persists a captured browser session for one course: the
// cookies and API headers that authenticate list calls, plus per-recording
// replay authorization keyed by recording id. The on-disk file contains
// live credentials and is written with owner-only permissions via the
// atomic writer's temp file.
type SessionStore struct {
	path string
	mu   sync.RWMutex
	data sessionFile
}

// OpenSessionStore loads the session store at path, creating an empty one
// in memory if the file does not exist yet.
func OpenSessionStore(path string) (*SessionStore, error) {
	if path == "" {
		return nil, &StorageError{Op: "load", Entity: "session", Err: ErrInvalidInput}
	}
	s := &SessionStore{
		path: path,
		data: sessionFile{Version: sessionVersion, Auth: make(map[string]ReplayAuth)},
	}

	lock := NewFileLock(path)
	if err := lock.Lock(lockTimeout); err != nil {
		return nil, &StorageError{Op: "load", Entity: "session", ID: path, Err: err}
	}
	defer lock.Unlock()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "load", Entity: "session", ID: path, Err: err}
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, &StorageError{Op: "load", Entity: "session", ID: path,
			Err: fmt.Errorf("%w: %v", ErrStorageCorrupt, err)}
	}
	if s.data.Auth == nil {
		s.data.Auth = make(map[string]ReplayAuth)
	}
	return s, nil
}

// Cookies returns the captured browser cookies.
func (s *SessionStore) Cookies() []http.Cookie {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]http.Cookie, len(s.data.Cookies))
	copy(out, s.data.Cookies)
	return out
}

// SetCookies replaces the captured browser cookies.
func (s *SessionStore) SetCookies(cookies []http.Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Cookies = make([]http.Cookie, len(cookies))
	copy(s.data.Cookies, cookies)
}

// Headers returns the captured API request headers.
func (s *SessionStore) Headers() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.data.Headers))
	for k, v := range s.data.Headers {
		out[k] = v
	}
	return out
}

// SetHeaders replaces the captured API request headers.
func (s *SessionStore) SetHeaders(headers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Headers = make(map[string]string, len(headers))
	for k, v := range headers {
		s.data.Headers[k] = v
	}
}

// Scid returns the captured tool session id, if any.
func (s *SessionStore) Scid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.data.Scid
}

// SetScid records the tool session id extracted from the tool page URL.
func (s *SessionStore) SetScid(scid string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Scid = scid
}

// Auth returns the replay authorization for a recording id.
func (s *SessionStore) Auth(recordingID string) (ReplayAuth, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auth, ok := s.data.Auth[recordingID]
	return auth, ok
}

// SetAuth records the replay authorization for a recording id.
func (s *SessionStore) SetAuth(recordingID string, auth ReplayAuth) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Auth[recordingID] = auth
}

// DeleteAuth drops a recording's replay authorization, typically after
// the server rejected it and a fresh capture is needed.
func (s *SessionStore) DeleteAuth(recordingID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data.Auth, recordingID)
}

// Clear drops everything captured, used when the whole session has expired.
func (s *SessionStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Cookies = nil
	s.data.Headers = nil
	s.data.Scid = ""
	s.data.Auth = make(map[string]ReplayAuth)
}

// Save writes the session store to disk atomically under the file lock.
func (s *SessionStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.UpdatedAt = time.Now().UTC()

	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return &StorageError{Op: "save", Entity: "session", ID: s.path, Err: err}
	}

	lock := NewFileLock(s.path)
	if err := lock.Lock(lockTimeout); err != nil {
		return &StorageError{Op: "save", Entity: "session", ID: s.path, Err: err}
	}
	defer lock.Unlock()

	w, err := NewAtomicWriter(s.path)
	if err != nil {
		return &StorageError{Op: "save", Entity: "session", ID: s.path, Err: err}
	}
	if _, err := w.Write(raw); err != nil {
		w.Abort()
		return &StorageError{Op: "save", Entity: "session", ID: s.path, Err: err}
	}
	if err := w.Commit(); err != nil {
		return &StorageError{Op: "save", Entity: "session", ID: s.path, Err: err}
	}
	return nil
}
