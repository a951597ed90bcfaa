// Package manifest implements the per-session file manifest: a durable
// {file_id -> filename} mapping rooted at a session's working directory,
// persisted as a single JSON document at workdir/.session_files.json.
package manifest

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

const fileName = ".session_files.json"

// FileName is the manifest's filename within a session's workdir,
// exported for the pool's manifest watchdog to recognize write events.
const FileName = fileName

// Manifest is the durable file-id -> filename map for one session's
// workdir. All mutating operations persist the full document atomically.
// Concurrent writers are never expected within a single session (the
// owning Session serializes callers via its busy flag), so the guarding
// mutex here only protects the in-memory map against the occasional
// concurrent read (e.g. a dashboard snapshot) racing a write.
type Manifest struct {
	mu      sync.Mutex
	workdir string
	logger  *log.Logger
	entries map[string]string
}

// Load reads the manifest document at workdir/.session_files.json if
// present. Malformed content fails open to an empty manifest; a warning
// is logged but the error is never returned, matching spec behavior that
// a corrupt manifest must never make a session unusable.
func Load(workdir string, logger *log.Logger) *Manifest {
	m := &Manifest{workdir: workdir, logger: logger, entries: map[string]string{}}

	data, err := os.ReadFile(m.path())
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Printf("manifest: reading %s: %v (starting empty)", m.path(), err)
		}
		return m
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		logger.Printf("manifest: malformed %s: %v (starting empty)", m.path(), err)
		return m
	}
	m.entries = entries
	return m
}

func (m *Manifest) path() string {
	return filepath.Join(m.workdir, fileName)
}

// Has reports whether id is present in the manifest.
func (m *Manifest) Has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// NameOf returns the filename registered for id, if any.
func (m *Manifest) NameOf(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.entries[id]
	return name, ok
}

// Put registers id -> filename and persists the manifest.
func (m *Manifest) Put(id, filename string) error {
	m.mu.Lock()
	m.entries[id] = filename
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	return m.persist(snapshot)
}

// Remove deletes id from the manifest and persists the result. A no-op,
// still persisted, if id was not present.
func (m *Manifest) Remove(id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	return m.persist(snapshot)
}

// All returns a copy of the full id -> filename map.
func (m *Manifest) All() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Clear empties the manifest and persists the result. Used when a
// session is reset back into the pool: files in workdir are deleted by
// the caller, and the manifest is cleared to match.
func (m *Manifest) Clear() error {
	m.mu.Lock()
	m.entries = map[string]string{}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()
	return m.persist(snapshot)
}

// ReconcileMissing purges any entry whose backing file no longer exists
// under workdir, per spec's session-reuse reconciliation policy. Returns
// the ids purged.
func (m *Manifest) ReconcileMissing() []string {
	m.mu.Lock()
	var purged []string
	for id, name := range m.entries {
		if _, err := os.Stat(filepath.Join(m.workdir, name)); os.IsNotExist(err) {
			delete(m.entries, id)
			purged = append(purged, id)
		}
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if len(purged) > 0 {
		if err := m.persist(snapshot); err != nil {
			m.logger.Printf("manifest: persisting after reconcile: %v", err)
		}
	}
	return purged
}

func (m *Manifest) snapshotLocked() map[string]string {
	snapshot := make(map[string]string, len(m.entries))
	for k, v := range m.entries {
		snapshot[k] = v
	}
	return snapshot
}

// persist writes the full document atomically: a temp file in the same
// directory, then a rename, so a crash mid-write never leaves a
// truncated or partial manifest on disk.
func (m *Manifest) persist(entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	if err := os.MkdirAll(m.workdir, 0o755); err != nil {
		return fmt.Errorf("create workdir: %w", err)
	}

	tmp, err := os.CreateTemp(m.workdir, ".session_files.*.tmp")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, m.path()); err != nil {
		return fmt.Errorf("rename manifest into place: %w", err)
	}
	return nil
}
