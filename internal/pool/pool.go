// Package pool implements the Session Pool & Manager: the warm pool of
// reserve sessions, the map of tenant-bound active sessions, and the
// Cleanup and Refill Loops that keep both healthy over time. This is the
// core of the server — every other component is a collaborator it calls
// into during acquisition, release, or background maintenance.
package pool

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helloimcx/sandbox-mcp/internal/config"
	"github.com/helloimcx/sandbox-mcp/internal/download"
	"github.com/helloimcx/sandbox-mcp/internal/sandboxerr"
	"github.com/helloimcx/sandbox-mcp/internal/session"
	"github.com/helloimcx/sandbox-mcp/internal/workspace"
)

// FileRequest is an id-bearing file download request: the client asks for
// url to be fetched and tracked under file id in the session's manifest.
type FileRequest struct {
	ID  string
	URL string
}

// Manager owns the pool of reserve sessions and the map of active ones.
// active and pool share a single mutex; acquisition and eviction hold it
// across their entire step, per spec's concurrency contract. The Cleanup
// and Refill Loops take it only for the bookkeeping moment, not for the
// (potentially slow) process-teardown or process-spawn I/O itself.
type Manager struct {
	cfg    *config.Config
	ws     *workspace.Manager
	logger *log.Logger

	mu     sync.Mutex
	active map[string]*session.Session
	pool   []*session.Session

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a Manager. Call Start to prime the pool and
// launch its background loops.
func NewManager(cfg *config.Config, ws *workspace.Manager, logger *log.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		ws:     ws,
		logger: logger,
		active: make(map[string]*session.Session),
		stopCh: make(chan struct{}),
	}
}

// Start synchronously primes the pool up to pool_target, then launches
// the Cleanup Loop and Refill Loop as background goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	for len(m.pool) < m.cfg.SessionPoolSize {
		s, err := session.Start(ctx, reserveID(), m.ws, m.logger)
		if err != nil {
			m.logger.Printf("pool: priming failed after %d/%d reserve sessions: %v", len(m.pool), m.cfg.SessionPoolSize, err)
			break
		}
		m.pool = append(m.pool, s)
	}
	m.mu.Unlock()

	m.wg.Add(2)
	go m.cleanupLoop(ctx)
	go m.refillLoop(ctx)
	startManifestWatchdog(ctx, m, m.ws.Root())
}

// Stop cancels both background loops, then drains active and pool, in
// that order, stopping every session. Per-session errors are logged and
// the first one returned; every session is still attempted.
func (m *Manager) Stop() error {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	active := make([]*session.Session, 0, len(m.active))
	for _, s := range m.active {
		active = append(active, s)
	}
	m.active = make(map[string]*session.Session)
	pool := m.pool
	m.pool = nil
	m.mu.Unlock()

	var firstErr error
	for _, s := range active {
		if err := s.Stop(m.ws); err != nil {
			m.logger.Printf("pool: stop active session %s: %v", s.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, s := range pool {
		if err := s.Stop(m.ws); err != nil {
			m.logger.Printf("pool: stop reserve session %s: %v", s.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Acquire implements spec §4.5.2. If id is already active, the existing
// session is touched, reconciled, and handed any newly requested
// urls/files. Otherwise a session is dispensed from the pool (or spawned
// fresh) and bound to id (or a generated id, if none was supplied).
func (m *Manager) Acquire(ctx context.Context, id string, urls []string, files []FileRequest, timeout time.Duration) (s *session.Session, downloaded []string, errs []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		if existing, ok := m.active[id]; ok {
			existing.Touch()
			existing.Manifest.ReconcileMissing()
			downloaded, errs = m.processFiles(ctx, existing, urls, files, timeout)
			return existing, downloaded, errs, nil
		}
	}

	if len(m.active) >= m.cfg.MaxKernels {
		if evictErr := m.evictOneLocked(); evictErr != nil {
			return nil, nil, nil, evictErr
		}
	}

	newID := id
	if newID == "" {
		newID = uuid.NewString()
	}

	if len(m.pool) > 0 {
		candidate := m.pool[0]
		m.pool = m.pool[1:]
		if rebindErr := candidate.Rebind(ctx, newID, m.ws); rebindErr != nil {
			m.logger.Printf("pool: rebind failed for %s, destroying and spawning fresh: %v", candidate.ID, rebindErr)
			m.stopLocked(candidate)
			s, err = session.Start(ctx, newID, m.ws, m.logger)
		} else {
			s = candidate
		}
	} else {
		s, err = session.Start(ctx, newID, m.ws, m.logger)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("spawn session: %w", err)
	}

	downloaded, errs = m.processFiles(ctx, s, urls, files, timeout)
	m.active[newID] = s
	return s, downloaded, errs, nil
}

// Get returns the active session for id, if any.
func (m *Manager) Get(id string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[id]
	return s, ok
}

// List returns every active session.
func (m *Manager) List() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, s)
	}
	return out
}

// Interrupt forwards an interrupt to the active session's worker.
func (m *Manager) Interrupt(id string) error {
	m.mu.Lock()
	s, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return sandboxerr.Newf(sandboxerr.NotFound, "session %s not found", id)
	}
	return s.Worker().Interrupt()
}

// Discard unconditionally removes id from active and stops its session,
// never attempting a pool return. Used by the Execution Loop when a
// worker's output channel fails outright (spec §4.6.2): a session in
// that state has indeterminate contaminated state and must not be
// recycled.
func (m *Manager) Discard(id string) error {
	m.mu.Lock()
	s, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	m.mu.Unlock()

	if !ok {
		return sandboxerr.Newf(sandboxerr.NotFound, "session %s not found", id)
	}
	return s.Stop(m.ws)
}

// Release terminates a client-visible session: it is removed from active
// and either returned to the pool or stopped outright, per §4.5.3. A
// session with an execution in flight is always stopped rather than
// pooled: recycling a worker that is still mid-cell would hand the next
// acquirer a contaminated interpreter.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.active[id]
	if !ok {
		return sandboxerr.Newf(sandboxerr.NotFound, "session %s not found", id)
	}
	delete(m.active, id)
	if s.IsBusy() {
		m.stopLocked(s)
		return nil
	}
	m.releaseLocked(s)
	return nil
}

// evictOneLocked implements §4.5.4. It picks the oldest non-busy active
// session and releases it. If every active session is busy, acquisition
// is rejected outright rather than transiently overshooting capacity_max
// (Open Question #1's reject-fast choice).
func (m *Manager) evictOneLocked() error {
	var victimID string
	var victim *session.Session
	for id, s := range m.active {
		if s.IsBusy() {
			continue
		}
		if victim == nil || s.CreatedAt.Before(victim.CreatedAt) {
			victim, victimID = s, id
		}
	}
	if victim == nil {
		return sandboxerr.New(sandboxerr.CapacityExhausted, "capacity_max reached and every active session is busy")
	}
	delete(m.active, victimID)
	m.releaseLocked(victim)
	return nil
}

// releaseLocked returns s to the pool if there's room, otherwise stops
// it. Must be called with m.mu held.
func (m *Manager) releaseLocked(s *session.Session) {
	if len(m.pool) < m.cfg.SessionPoolSize {
		if err := m.ws.EmptyWorkspace(s.ID); err != nil {
			m.logger.Printf("pool: empty workdir for %s failed, stopping instead of pooling: %v", s.ID, err)
			m.stopLocked(s)
			return
		}
		if err := s.Reset(true); err != nil {
			m.logger.Printf("pool: reset %s failed, stopping instead of pooling: %v", s.ID, err)
			m.stopLocked(s)
			return
		}
		m.pool = append(m.pool, s)
		return
	}
	m.stopLocked(s)
}

func (m *Manager) stopLocked(s *session.Session) {
	if err := s.Stop(m.ws); err != nil {
		m.logger.Printf("pool: stop session %s: %v", s.ID, err)
	}
}

// processFiles downloads legacy id-less urls and id-bearing files into
// s's workdir, updating the manifest for the latter. Download errors
// never abort acquisition; they are collected and returned alongside
// whatever did succeed.
func (m *Manager) processFiles(ctx context.Context, s *session.Session, urls []string, files []FileRequest, timeout time.Duration) (downloaded []string, errs []string) {
	timeoutSecs := int(timeout.Seconds())

	for _, u := range urls {
		name, err := download.Fetch(ctx, u, s.Workdir, timeoutSecs, true)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		downloaded = append(downloaded, name)
	}

	for _, f := range files {
		if name, ok := s.Manifest.NameOf(f.ID); ok {
			if fileExists(filepath.Join(s.Workdir, name)) {
				downloaded = append(downloaded, name)
				continue
			}
			_ = s.Manifest.Remove(f.ID)
		}

		name, err := download.Fetch(ctx, f.URL, s.Workdir, timeoutSecs, true)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if err := s.Manifest.Put(f.ID, name); err != nil {
			errs = append(errs, fmt.Sprintf("persist manifest entry for %s: %v", f.ID, err))
			continue
		}
		downloaded = append(downloaded, name)
	}

	return downloaded, errs
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanupOnce()
		}
	}
}

// cleanupOnce implements §4.5.5: sweep active for idle sessions and stop
// them (never pool-return; idle sessions have indeterminate state).
func (m *Manager) cleanupOnce() {
	now := time.Now()

	m.mu.Lock()
	var toStop []*session.Session
	for id, s := range m.active {
		if s.IsIdle(now, m.cfg.IdleTTL()) {
			delete(m.active, id)
			toStop = append(toStop, s)
		}
	}
	m.mu.Unlock()

	for _, s := range toStop {
		if err := s.Stop(m.ws); err != nil {
			m.logger.Printf("pool: idle cleanup stop error for %s: %v", s.ID, err)
		}
	}
}

func (m *Manager) refillLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PoolRefillInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.refillOnce(ctx)
		}
	}
}

// refillOnce creates at most pool_target - |pool| sessions; a creation
// failure stops the tick early, per §4.5.3. The target is re-checked
// before every append, not just once up front: a concurrent Release can
// push sessions into the pool while this tick is still spawning, and
// without the re-check that race would let |pool| overshoot
// pool_target.
func (m *Manager) refillOnce(ctx context.Context) {
	for {
		m.mu.Lock()
		if len(m.pool) >= m.cfg.SessionPoolSize {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		s, err := session.Start(ctx, reserveID(), m.ws, m.logger)
		if err != nil {
			m.logger.Printf("pool: refill failed: %v", err)
			return
		}

		m.mu.Lock()
		full := len(m.pool) >= m.cfg.SessionPoolSize
		if !full {
			m.pool = append(m.pool, s)
		}
		m.mu.Unlock()

		if full {
			if err := s.Stop(m.ws); err != nil {
				m.logger.Printf("pool: stop surplus refill session %s: %v", s.ID, err)
			}
			return
		}
	}
}

// reconcileManifest purges stale entries from the manifest of whichever
// active session owns manifestPath, in response to a manifestWatchdog
// write event. manifestPath is an absolute path to a .session_files.json
// file; sessions not currently active (already released or pooled) are
// silently ignored since their workdir is about to be emptied anyway.
func (m *Manager) reconcileManifest(manifestPath string) {
	dir := filepath.Dir(manifestPath)
	m.mu.Lock()
	var target *session.Session
	for _, s := range m.active {
		if s.Workdir == dir {
			target = s
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return
	}
	if purged := target.Manifest.ReconcileMissing(); len(purged) > 0 {
		m.logger.Printf("pool: manifest watchdog reconciled %d missing file(s) for session %s", len(purged), target.ID)
	}
}

func reserveID() string {
	return "reserve_" + uuid.NewString()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
