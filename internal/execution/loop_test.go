package execution

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/helloimcx/sandbox-mcp/internal/config"
	"github.com/helloimcx/sandbox-mcp/internal/domain"
	"github.com/helloimcx/sandbox-mcp/internal/pool"
	"github.com/helloimcx/sandbox-mcp/internal/sandboxerr"
	"github.com/helloimcx/sandbox-mcp/internal/worker"
	"github.com/helloimcx/sandbox-mcp/internal/workspace"
)

// installFakeInterpreter overwrites the shared on-disk driver copy with a
// POSIX shell script that echoes one stdout line per "execute" and, for
// a "sleep" marker in the code, never reaches idle on its own — standing
// in for a Python process whose user code overran its timeout.
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
    *'sleep-forever'*)
      echo '{"kind":"status","status":{"state":"busy"}}'
      # never emits idle on its own; only responds to the interrupt's
      # SIGINT by exiting, simulating a hung user cell.
      ;;
    *'"op":"execute"'*)
      echo '{"kind":"status","status":{"state":"busy"}}'
      printf '%s\n' '{"kind":"stream","stream":{"name":"stdout","text":"hi\n"}}'
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

func testLoop(t *testing.T) *Loop {
	t.Helper()
	installFakeInterpreter(t)
	logger := log.New(io.Discard, "", 0)
	cfg := config.Default()
	cfg.SessionPoolSize = 0
	cfg.MaxKernels = 4
	ws := workspace.NewManager(t.TempDir(), logger)
	m := pool.NewManager(cfg, ws, logger)
	m.Start(context.Background())
	t.Cleanup(func() { _ = m.Stop() })
	return NewLoop(m, 5*time.Second, logger)
}

func drain(t *testing.T, ch <-chan domain.OutputEvent, d time.Duration) []domain.OutputEvent {
	t.Helper()
	var events []domain.OutputEvent
	deadline := time.After(d)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out draining events, got %+v so far", events)
		}
	}
}

func TestExecuteEmitsStreamTextThenTerminates(t *testing.T) {
	l := testLoop(t)

	id, ch, err := l.Execute(context.Background(), "s1", "print('hi')", 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if id != "s1" {
		t.Fatalf("resolved id = %q, want s1", id)
	}

	events := drain(t, ch, 2*time.Second)
	if len(events) != 1 || events[0].Text != "hi\n" {
		t.Fatalf("events = %+v, want a single text event", events)
	}

	s, ok := l.pool.Get("s1")
	if !ok {
		t.Fatalf("session s1 should still be active after a normal execution")
	}
	if s.IsBusy() {
		t.Fatalf("session should not be busy once the loop has terminated")
	}
	if s.ExecCount != 1 {
		t.Fatalf("exec_count = %d, want 1", s.ExecCount)
	}
}

func TestExecuteRejectsConcurrentCallOnSameSession(t *testing.T) {
	l := testLoop(t)

	_, ch1, err := l.Execute(context.Background(), "s1", "sleep-forever", 2*time.Second)
	if err != nil {
		t.Fatalf("Execute #1: %v", err)
	}

	_, _, err = l.Execute(context.Background(), "s1", "print(1)", 0)
	if sandboxerr.KindOf(err) != sandboxerr.BadRequest {
		t.Fatalf("Execute #2 error kind = %v, want BadRequest (session busy)", sandboxerr.KindOf(err))
	}

	drain(t, ch1, 5*time.Second) // let the first execution time out and clear the session's busy flag
}

func TestExecuteTimesOutAndSurfacesErrorEvent(t *testing.T) {
	l := testLoop(t)

	_, ch, err := l.Execute(context.Background(), "s1", "sleep-forever", 1*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	events := drain(t, ch, 5*time.Second)
	if len(events) != 1 || events[0].Error != "Execution timeout" {
		t.Fatalf("events = %+v, want a single Execution timeout error", events)
	}

	s, ok := l.pool.Get("s1")
	if !ok {
		t.Fatalf("session should remain active after a timeout, just not busy")
	}
	if s.IsBusy() {
		t.Fatalf("session should no longer be busy after the timeout epilogue")
	}
}

func TestAggregateFoldsEventsIntoEnvelope(t *testing.T) {
	ch := make(chan domain.OutputEvent, 3)
	ch <- domain.TextEvent("hi\n")
	ch <- domain.ErrorEvent("boom", []string{"line1", "line2"})
	close(ch)

	result := Aggregate(ch)
	if len(result.Texts) != 1 || result.Texts[0] != "hi\n" {
		t.Fatalf("Texts = %+v", result.Texts)
	}
	if len(result.Images) != 0 {
		t.Fatalf("Images = %+v, want empty (not nil) slice", result.Images)
	}
	if len(result.Errors) != 1 || result.Errors[0].Error != "boom" {
		t.Fatalf("Errors = %+v", result.Errors)
	}
}
