package journal

import (
	"os"
	"path/filepath"
	"testing"
)

func appendFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
}

func TestWriterEmitAndReadAll(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "run-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w.Emit("scout", ScoutOutput, map[string]any{"count": 3}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := w.Emit("ticket-a", TicketCompleted, nil); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	events, err := ReadAll(dir, "run-1")
	if err != nil {
		t.Fatalf("readall: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != string(ScoutOutput) || events[1].Type != string(TicketCompleted) {
		t.Fatalf("unexpected event types: %+v", events)
	}
}

func TestReadAllSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "run-2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = w.Emit("x", SessionStart, nil)
	w.Close()

	// Append a malformed line directly.
	path := filepath.Join(dir, "run-2", "events.ndjson")
	f, err := appendFile(path)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	_, _ = f.WriteString("not json\n")
	f.Close()

	events, err := ReadAll(dir, "run-2")
	if err != nil {
		t.Fatalf("readall: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected malformed line to be skipped, got %d events", len(events))
	}
}

func TestValidateTypeRejectsUnknown(t *testing.T) {
	if err := ValidateType("NOT_A_REAL_EVENT"); err == nil {
		t.Fatal("expected error for unrecognized event type")
	}
	if err := ValidateType(string(QaPassed)); err != nil {
		t.Fatalf("expected QA_PASSED to validate, got %v", err)
	}
}
