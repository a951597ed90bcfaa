package audit

import (
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndHistory(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := l.Append(Record{SessionID: "s1", CodeHash: CodeHash("print(1)"), StartedAt: now, DurationMS: 12, Outcome: OutcomeOK}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(Record{SessionID: "s1", CodeHash: CodeHash("1/0"), StartedAt: now.Add(time.Second), DurationMS: 5, Outcome: OutcomeError, ErrorClass: "ZeroDivisionError"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(Record{SessionID: "s2", CodeHash: CodeHash("x"), StartedAt: now, DurationMS: 1, Outcome: OutcomeOK}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	hist, err := l.History("s1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("len(hist) = %d, want 2", len(hist))
	}
	if hist[0].Outcome != OutcomeError || hist[0].ErrorClass != "ZeroDivisionError" {
		t.Fatalf("most recent record = %+v, want the error one first", hist[0])
	}

	recent, err := l.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2 (limit applied across sessions)", len(recent))
	}
}

func TestCodeHashStableAndShort(t *testing.T) {
	a := CodeHash("print('hi')")
	b := CodeHash("print('hi')")
	if a != b {
		t.Fatalf("CodeHash not stable: %q != %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("len(CodeHash) = %d, want 16", len(a))
	}
}
