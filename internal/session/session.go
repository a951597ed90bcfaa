// Package session implements the Session: the durable identity (id +
// workdir + manifest) bound to a Worker for the lifetime of one client
// relationship or one pooled reservation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/helloimcx/sandbox-mcp/internal/domain"
	"github.com/helloimcx/sandbox-mcp/internal/manifest"
	"github.com/helloimcx/sandbox-mcp/internal/worker"
	"github.com/helloimcx/sandbox-mcp/internal/workspace"
)

// primingCode is submitted once, silently, right after a worker starts.
// It mirrors the rendering-default setup the interpreter process already
// performs at boot (see internal/worker/driver.py's _prime); resubmitting
// it here keeps the Session's own lifecycle contract (spec'd as a
// priming submission, not an implicit startup side effect) honest even
// though the effect is already in place by the time this runs.
const primingCode = "import matplotlib\nmatplotlib.use('Agg')\n"

const primingTimeout = 5 * time.Second
const rebindTimeout = 2 * time.Second

// Session is either Pooled (no client identity, Busy=false) or Active
// (bound to a client-visible id) — never both, per spec's data model
// invariant. Busy and ExecCount are only ever mutated through
// TryBeginExecution/BeginExecution/EndExecution on the execution path and
// through Reset when the session returns to the pool.
type Session struct {
	mu sync.Mutex

	ID           string
	Workdir      string
	CreatedAt    time.Time
	LastActivity time.Time
	Busy         bool
	ExecCount    int64

	Manifest *manifest.Manifest

	worker *worker.Worker
	logger *log.Logger
}

// Start creates a fresh working directory for id, spawns a Worker in it,
// loads its manifest, and performs the one-time priming submission.
// Priming failures are logged but never fail Start, per spec §4.1.
func Start(ctx context.Context, id string, ws *workspace.Manager, logger *log.Logger) (*Session, error) {
	workdir, err := ws.EnsureWorkspace(id)
	if err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}

	w, err := worker.Start(ctx, workdir, logger)
	if err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	now := time.Now()
	s := &Session{
		ID:           id,
		Workdir:      workdir,
		CreatedAt:    now,
		LastActivity: now,
		Manifest:     manifest.Load(workdir, logger),
		worker:       w,
		logger:       logger,
	}

	if err := s.prime(ctx); err != nil {
		logger.Printf("session %s: priming warning: %v", id, err)
	}
	return s, nil
}

func (s *Session) prime(ctx context.Context) error {
	if err := s.worker.Submit(primingCode, true); err != nil {
		return err
	}
	return s.waitIdle(ctx, primingTimeout)
}

// Worker returns the underlying worker, for the Execution Loop to drive.
func (s *Session) Worker() *worker.Worker {
	return s.worker
}

// Touch records activity now. Called by the Execution Loop and by the
// Manager whenever a client interacts with this session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

// IsIdle reports whether the session has been inactive for at least ttl
// as of now, and is not currently mid-execution.
func (s *Session) IsIdle(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Busy {
		return false
	}
	return now.Sub(s.LastActivity) >= ttl
}

// IsBusy reports the current busy flag.
func (s *Session) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Busy
}

// BeginExecution marks the session busy and increments exec_count
// without checking whether an execution is already in flight; the
// Execution Loop uses TryBeginExecution instead.
func (s *Session) BeginExecution() {
	s.mu.Lock()
	s.Busy = true
	s.ExecCount++
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

// TryBeginExecution is BeginExecution's CAS-style sibling: it refuses to
// mark the session busy (and returns false) if an execution is already in
// flight, implementing the spec's requirement that two concurrent
// Execution Loops never interleave on the same session (Open Question
// #4's reject choice). The Execution Loop must call this instead of
// BeginExecution for real submissions.
func (s *Session) TryBeginExecution() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Busy {
		return false
	}
	s.Busy = true
	s.ExecCount++
	s.LastActivity = time.Now()
	return true
}

// EndExecution clears the busy flag. The Execution Loop calls it when an
// execution ends for any reason: normal completion at status(idle),
// timeout, cancellation, submission failure, or worker failure.
func (s *Session) EndExecution() {
	s.mu.Lock()
	s.Busy = false
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

// Rebind is used when a pooled session is dispensed to a new client: it
// assigns a new id and workdir, chdirs the worker into the new workdir
// via a silent submission, and waits for completion within a short fixed
// budget. If the chdir fails or times out, the caller must destroy the
// session rather than dispense it (Open Question #2).
func (s *Session) Rebind(ctx context.Context, newID string, ws *workspace.Manager) error {
	newWorkdir, err := ws.EnsureWorkspace(newID)
	if err != nil {
		return fmt.Errorf("ensure workspace: %w", err)
	}

	chdirCode := fmt.Sprintf("import os\nos.chdir(%q)\n", newWorkdir)
	if err := s.worker.Submit(chdirCode, true); err != nil {
		return fmt.Errorf("submit chdir: %w", err)
	}
	if err := s.waitIdle(ctx, rebindTimeout); err != nil {
		return fmt.Errorf("chdir did not complete: %w", err)
	}

	s.mu.Lock()
	s.ID = newID
	s.Workdir = newWorkdir
	s.LastActivity = time.Now()
	s.mu.Unlock()
	s.Manifest = manifest.Load(newWorkdir, s.logger)
	return nil
}

// Reset clears exec_count and busy for a session returning to the pool.
// The manifest is left intact unless clearManifest is set, in which case
// it is cleared to match the workdir having already been emptied by the
// caller.
func (s *Session) Reset(clearManifest bool) error {
	s.mu.Lock()
	s.ExecCount = 0
	s.Busy = false
	s.mu.Unlock()

	if clearManifest {
		return s.Manifest.Clear()
	}
	return nil
}

// Stop shuts down the worker process and removes the session's workdir.
// All steps are attempted even if earlier ones fail; errors are
// aggregated and returned together, never silently dropped.
func (s *Session) Stop(ws *workspace.Manager) error {
	var errs []error
	if err := s.worker.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown worker: %w", err))
	}
	if err := ws.CleanupWorkspace(s.ID); err != nil {
		errs = append(errs, fmt.Errorf("cleanup workdir: %w", err))
	}
	return errors.Join(errs...)
}

// waitIdle drains the worker's iopub channel until a status(idle)
// message arrives, an error message arrives (returned as a failure), the
// channel closes, or timeout elapses.
func (s *Session) waitIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case msg, ok := <-s.worker.Iopub():
			if !ok {
				return fmt.Errorf("worker closed before reaching idle")
			}
			if msg.Kind == domain.KindError && msg.Error != nil {
				return fmt.Errorf("%s: %s", msg.Error.EName, msg.Error.EValue)
			}
			if msg.Kind == domain.KindStatus && msg.Status != nil && msg.Status.State == "idle" {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("timed out after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
