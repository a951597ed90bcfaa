package session

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/helloimcx/sandbox-mcp/internal/worker"
	"github.com/helloimcx/sandbox-mcp/internal/workspace"
)

// installFakeInterpreter points the shared embedded driver copy at a
// POSIX shell script that answers the boot handshake, the priming
// submission, and a chdir submission, mirroring the worker package's own
// fake-interpreter test pattern.
func installFakeInterpreter(t *testing.T) {
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
    *)
      echo '{"kind":"status","status":{"state":"busy"}}'
      echo '{"kind":"status","status":{"state":"idle"}}'
      ;;
  esac
done
`
	dst := filepath.Join(os.TempDir(), "sandbox_mcp_driver.py")
	if err := os.WriteFile(dst, []byte(script), 0o755); err != nil {
		t.Fatalf("overwrite driver copy: %v", err)
	}
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestStartPrimesAndReturnsIdleSession(t *testing.T) {
	installFakeInterpreter(t)
	ws := workspace.NewManager(t.TempDir(), testLogger())

	s, err := Start(context.Background(), "s1", ws, testLogger())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(ws) })

	if s.ID != "s1" {
		t.Fatalf("ID = %q, want s1", s.ID)
	}
	if s.IsBusy() {
		t.Fatalf("fresh session should not be busy")
	}
	if _, err := os.Stat(s.Workdir); err != nil {
		t.Fatalf("workdir should exist: %v", err)
	}
}

func TestTryBeginExecutionRejectsWhenBusy(t *testing.T) {
	installFakeInterpreter(t)
	ws := workspace.NewManager(t.TempDir(), testLogger())
	s, err := Start(context.Background(), "s1", ws, testLogger())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(ws) })

	if !s.TryBeginExecution() {
		t.Fatalf("first TryBeginExecution should succeed")
	}
	if s.TryBeginExecution() {
		t.Fatalf("second TryBeginExecution should fail while busy")
	}
	if s.ExecCount != 1 {
		t.Fatalf("ExecCount = %d, want 1", s.ExecCount)
	}

	s.EndExecution()
	if s.IsBusy() {
		t.Fatalf("session should not be busy after EndExecution")
	}
	if !s.TryBeginExecution() {
		t.Fatalf("TryBeginExecution should succeed again after EndExecution")
	}
	if s.ExecCount != 2 {
		t.Fatalf("ExecCount = %d, want 2", s.ExecCount)
	}
}

func TestIsIdleRespectsTTLAndBusy(t *testing.T) {
	installFakeInterpreter(t)
	ws := workspace.NewManager(t.TempDir(), testLogger())
	s, err := Start(context.Background(), "s1", ws, testLogger())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(ws) })

	now := s.LastActivity.Add(time.Hour)
	if !s.IsIdle(now, time.Minute) {
		t.Fatalf("session idle for an hour should report idle at a 1m TTL")
	}

	s.BeginExecution()
	if s.IsIdle(now, time.Minute) {
		t.Fatalf("a busy session should never report idle")
	}
}

func TestRebindAssignsNewIdentity(t *testing.T) {
	installFakeInterpreter(t)
	ws := workspace.NewManager(t.TempDir(), testLogger())
	s, err := Start(context.Background(), "pooled", ws, testLogger())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(ws) })

	oldWorkdir := s.Workdir
	if err := s.Rebind(context.Background(), "client-1", ws); err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	if s.ID != "client-1" {
		t.Fatalf("ID = %q, want client-1", s.ID)
	}
	if s.Workdir == oldWorkdir {
		t.Fatalf("Rebind should assign a new workdir")
	}
}

func TestResetClearsExecCountAndBusy(t *testing.T) {
	installFakeInterpreter(t)
	ws := workspace.NewManager(t.TempDir(), testLogger())
	s, err := Start(context.Background(), "s1", ws, testLogger())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(ws) })

	s.BeginExecution()
	s.EndExecution()
	if err := s.Reset(false); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if s.ExecCount != 0 || s.IsBusy() {
		t.Fatalf("Reset should zero ExecCount and clear Busy, got ExecCount=%d Busy=%v", s.ExecCount, s.IsBusy())
	}
}
