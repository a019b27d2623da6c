// Package state persists the daemon's view of running forwards across
// restarts. The on-disk document is rewritten atomically (temp file plus
// rename) after every start or stop, so a crash leaves either the previous
// or the next consistent snapshot, never a partial one.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const snapshotVersion = 1

// Entry records one running forward.
type Entry struct {
	ServiceID       string    `json:"service_id"`
	Name            string    `json:"name"`
	PID             int32     `json:"pid"`
	Technology      string    `json:"technology"`
	LocalPort       int       `json:"local_port"`
	StartedAt       time.Time `json:"started_at"`
	ArgvFingerprint string    `json:"command_argv_fingerprint"`
	LogPath         string    `json:"log_path,omitempty"`
}

type snapshot struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Services  map[string]Entry `json:"services"`
}

// Store is the single writer of the persisted state file.
type Store struct {
	path string

	mu      sync.Mutex
	current snapshot
}

// NewStore creates a store backed by the given file path. Call Load before
// first use.
func NewStore(path string) *Store {
	return &Store{
		path:    path,
		current: snapshot{Version: snapshotVersion, Services: map[string]Entry{}},
	}
}

// Load reads the snapshot from disk. A missing file yields an empty store.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading state file %s: %w", s.path, err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parsing state file %s: %w", s.path, err)
	}
	if snap.Services == nil {
		snap.Services = map[string]Entry{}
	}
	snap.Version = snapshotVersion
	s.current = snap
	return nil
}

// Put inserts or replaces an entry and persists the snapshot.
func (s *Store) Put(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Services[e.ServiceID] = e
	return s.writeLocked()
}

// Remove deletes an entry and persists the snapshot. Removing an absent
// id is a no-op.
func (s *Store) Remove(serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.current.Services[serviceID]; !ok {
		return nil
	}
	delete(s.current.Services, serviceID)
	return s.writeLocked()
}

// Get returns the entry for an id.
func (s *Store) Get(serviceID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.current.Services[serviceID]
	return e, ok
}

// Entries returns a copy of all recorded entries.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]Entry, 0, len(s.current.Services))
	for _, e := range s.current.Services {
		entries = append(entries, e)
	}
	return entries
}

// ReplaceAll swaps the full entry set and persists.
func (s *Store) ReplaceAll(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	services := make(map[string]Entry, len(entries))
	for _, e := range entries {
		services[e.ServiceID] = e
	}
	s.current.Services = services
	return s.writeLocked()
}

func (s *Store) writeLocked() error {
	s.current.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(s.current, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
