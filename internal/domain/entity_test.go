package domain

import "testing"

func TestTextEvent(t *testing.T) {
	ev := TextEvent("hello\n")
	if ev.Text != "hello\n" || ev.Image != "" || ev.Error != "" {
		t.Fatalf("TextEvent = %+v", ev)
	}
	if ev.IsEmpty() {
		t.Fatalf("TextEvent should not be empty")
	}
}

func TestImageEvent(t *testing.T) {
	ev := ImageEvent("YmFzZTY0")
	if ev.Image != "YmFzZTY0" || ev.Format != "png" {
		t.Fatalf("ImageEvent = %+v", ev)
	}
	if ev.IsEmpty() {
		t.Fatalf("ImageEvent should not be empty")
	}
}

func TestErrorEvent(t *testing.T) {
	ev := ErrorEvent("boom", []string{"line1", "line2"})
	if ev.Error != "boom" || len(ev.Traceback) != 2 {
		t.Fatalf("ErrorEvent = %+v", ev)
	}
	if ev.IsEmpty() {
		t.Fatalf("ErrorEvent should not be empty")
	}
}

func TestOutputEventIsEmpty(t *testing.T) {
	if !(OutputEvent{}).IsEmpty() {
		t.Fatalf("zero-value OutputEvent should be empty")
	}
}
