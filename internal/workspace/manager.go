// Package workspace manages the on-disk working directories sessions
// execute code in: one directory per session, created on first use and
// torn down (or emptied, when a session is returned to the pool) as the
// pool and manager direct.
package workspace

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Info describes a managed workspace directory.
type Info struct {
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager tracks the working directory assigned to each session under a
// common root, the way internal/worktree.Manager tracks git worktrees
// per worker instance — minus the git plumbing, which has no place here.
type Manager struct {
	root   string
	logger *log.Logger

	mu     sync.Mutex
	active map[string]*Info
}

// NewManager creates a Manager rooted at root. root is created lazily on
// first use, not here.
func NewManager(root string, logger *log.Logger) *Manager {
	return &Manager{root: root, logger: logger, active: make(map[string]*Info)}
}

// Root returns the configured workspace root.
func (m *Manager) Root() string {
	return m.root
}

// EnsureWorkspace creates (if needed) and returns the working directory
// for sessionID.
func (m *Manager) EnsureWorkspace(sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.active[sessionID]; ok {
		if dirExists(info.Path) {
			return info.Path, nil
		}
		delete(m.active, sessionID)
	}

	path := filepath.Join(m.root, sessionID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}

	m.active[sessionID] = &Info{SessionID: sessionID, Path: path, CreatedAt: time.Now()}
	return path, nil
}

// EmptyWorkspace removes every file and subdirectory inside the session's
// workdir but keeps the directory itself, per the pool's release-to-pool
// semantics (a pooled session is reused across tenants and must start
// with no leftover files).
func (m *Manager) EmptyWorkspace(sessionID string) error {
	m.mu.Lock()
	info, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	entries, err := os.ReadDir(info.Path)
	if err != nil {
		return fmt.Errorf("read workspace dir: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(info.Path, e.Name())); err != nil {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	return nil
}

// CleanupWorkspace removes the working directory for sessionID entirely
// and stops tracking it.
func (m *Manager) CleanupWorkspace(sessionID string) error {
	m.mu.Lock()
	info, ok := m.active[sessionID]
	if ok {
		delete(m.active, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(info.Path); err != nil {
		m.logger.Printf("workspace: cleanup error for %s: %v", sessionID, err)
		return fmt.Errorf("remove workspace dir: %w", err)
	}
	return nil
}

// CleanupAll removes every tracked workspace directory. Used during
// server shutdown.
func (m *Manager) CleanupAll() error {
	m.mu.Lock()
	active := make(map[string]*Info, len(m.active))
	for k, v := range m.active {
		active[k] = v
	}
	m.active = make(map[string]*Info)
	m.mu.Unlock()

	var firstErr error
	for sessionID, info := range active {
		if err := os.RemoveAll(info.Path); err != nil {
			m.logger.Printf("workspace: cleanup error for %s: %v", sessionID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Path returns the workspace path for sessionID, or "" if none is tracked.
func (m *Manager) Path(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.active[sessionID]; ok {
		return info.Path
	}
	return ""
}

// List returns information about every tracked workspace.
func (m *Manager) List() map[string]Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]Info, len(m.active))
	for k, v := range m.active {
		result[k] = *v
	}
	return result
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
