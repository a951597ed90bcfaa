package pool

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/helloimcx/sandbox-mcp/internal/config"
	"github.com/helloimcx/sandbox-mcp/internal/sandboxerr"
	"github.com/helloimcx/sandbox-mcp/internal/worker"
	"github.com/helloimcx/sandbox-mcp/internal/workspace"
)

// useFakeInterpreter points internal/worker at a tiny POSIX shell script
// that speaks just enough of the driver protocol (boot handshake plus an
// execute echo) for sessions to start and rebind without a real Python
// install in the test environment.
func useFakeInterpreter(t *testing.T) {
	t.Helper()
	prevExe := worker.PythonExecutable
	worker.PythonExecutable = "/bin/sh"
	t.Cleanup(func() { worker.PythonExecutable = prevExe })

	script := `#!/bin/sh
echo '{"kind":"status","status":{"state":"starting"}}'
echo '{"kind":"status","status":{"state":"idle"}}'
while IFS= read -r line; do
  case "$line" in
    *'"op":"shutdown"'*) exit 0 ;;
    *'"op":"execute"'*)
      echo '{"kind":"status","status":{"state":"busy"}}'
      echo '{"kind":"status","status":{"state":"idle"}}'
      ;;
  esac
done
`
	// internal/worker writes the embedded driver.py to a fixed shared temp
	// path on first use; overwrite that copy with our fake script.
	dst := filepath.Join(os.TempDir(), "sandbox_mcp_driver.py")
	if err := os.WriteFile(dst, []byte(script), 0o755); err != nil {
		t.Fatalf("overwrite driver copy: %v", err)
	}
}

func testManager(t *testing.T, cfg *config.Config) *Manager {
	t.Helper()
	useFakeInterpreter(t)
	logger := log.New(io.Discard, "", 0)
	ws := workspace.NewManager(t.TempDir(), logger)
	m := NewManager(cfg, ws, logger)
	m.Start(context.Background())
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.SessionPoolSize = 1
	cfg.MaxKernels = 2
	cfg.KernelTimeout = 3600
	return cfg
}

func TestAcquireDispensesFromPool(t *testing.T) {
	m := testManager(t, testConfig())

	s, _, errs, err := m.Acquire(context.Background(), "client-1", nil, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if s.ID != "client-1" {
		t.Fatalf("session ID = %q, want client-1", s.ID)
	}
	if got, ok := m.Get("client-1"); !ok || got != s {
		t.Fatalf("Get(client-1) = (%v, %v), want the acquired session", got, ok)
	}
}

func TestAcquireReturnsExistingActiveSession(t *testing.T) {
	m := testManager(t, testConfig())

	s1, _, _, err := m.Acquire(context.Background(), "client-1", nil, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire #1: %v", err)
	}
	s2, _, _, err := m.Acquire(context.Background(), "client-1", nil, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire #2: %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected the same session instance to be returned")
	}
}

func TestReleaseReturnsSessionToPool(t *testing.T) {
	cfg := testConfig()
	m := testManager(t, cfg)

	_, _, _, err := m.Acquire(context.Background(), "client-1", nil, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Release("client-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok := m.Get("client-1"); ok {
		t.Fatalf("expected client-1 to no longer be active after Release")
	}

	// A fresh acquisition should be able to reuse the pooled session
	// (the fake driver accepts any id without failing the rebind).
	s, _, _, err := m.Acquire(context.Background(), "client-2", nil, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if s.ID != "client-2" {
		t.Fatalf("session ID = %q, want client-2", s.ID)
	}
}

func TestAcquireRejectsWhenCapacityExhaustedAndAllBusy(t *testing.T) {
	cfg := testConfig()
	cfg.MaxKernels = 1
	m := testManager(t, cfg)

	s, _, _, err := m.Acquire(context.Background(), "client-1", nil, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("Acquire #1: %v", err)
	}
	s.BeginExecution() // mark busy so eviction has no non-busy candidate

	_, _, _, err = m.Acquire(context.Background(), "client-2", nil, nil, 5*time.Second)
	if err == nil {
		t.Fatalf("expected capacity-exhausted error")
	}
	if sandboxerr.KindOf(err) != sandboxerr.CapacityExhausted {
		t.Fatalf("error kind = %v, want CapacityExhausted", sandboxerr.KindOf(err))
	}
}

func TestInterruptUnknownSessionReturnsNotFound(t *testing.T) {
	m := testManager(t, testConfig())
	err := m.Interrupt("does-not-exist")
	if sandboxerr.KindOf(err) != sandboxerr.NotFound {
		t.Fatalf("error kind = %v, want NotFound", sandboxerr.KindOf(err))
	}
}
