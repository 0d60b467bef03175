package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileLogSequencesAreContiguous(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error: %v", err)
	}
	for i := 0; i < 5; i++ {
		seq, err := log.Append(KindLifecycle, "run-1", map[string]any{"i": i})
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		if seq != int64(i+1) {
			t.Errorf("seq = %d, want %d", seq, i+1)
		}
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	entries, err := ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d: seq = %d, want %d", i, e.Seq, i+1)
		}
	}
}

func TestFileLogResumesSequenceAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	log, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile() error: %v", err)
	}
	if _, err := log.Append(KindLifecycle, "run-1", nil); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if _, err := log.Append(KindLifecycle, "run-1", nil); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	log.Close()

	log2, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer log2.Close()
	seq, err := log2.Append(KindLifecycle, "run-2", nil)
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if seq != 3 {
		t.Errorf("seq after reopen = %d, want 3", seq)
	}
}

func TestFileLogRotatesAtCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	log, err := OpenFile(path, WithMaxBytes(200))
	if err != nil {
		t.Fatalf("OpenFile() error: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := log.Append(KindGateDecision, "run-1", map[string]any{"tool": "shell", "decision": "allow"}); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	log.Close()

	names, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("expected at least one rotated file")
	}
}

func TestReadAllIgnoresPartialTail(t *testing.T) {
	input := `{"seq":1,"ts":"2026-01-01T00:00:00Z","kind":"lifecycle","run_id":"r"}` + "\n" +
		`{"seq":2,"ts":"2026-01-01T00:00:01Z","kind":"lifecycle","run_`
	entries, err := ReadAll(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Seq != 1 {
		t.Errorf("seq = %d, want 1", entries[0].Seq)
	}
}

func TestMemoryLogMatchesContract(t *testing.T) {
	log := NewMemoryLog()
	for i := 0; i < 3; i++ {
		seq, err := log.Append(KindToolInvoked, "run-1", nil)
		if err != nil {
			t.Fatalf("Append() error: %v", err)
		}
		if seq != int64(i+1) {
			t.Errorf("seq = %d, want %d", seq, i+1)
		}
	}
	if got := len(log.Entries()); got != 3 {
		t.Errorf("got %d entries, want 3", got)
	}
}
