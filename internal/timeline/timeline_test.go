package timeline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/localagent/localagent/internal/audit"
)

func openService(t *testing.T) *Service {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIngestAndQuery(t *testing.T) {
	s := openService(t)
	ts := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		err := s.Ingest(audit.Entry{
			Seq:     int64(i),
			TS:      ts.Add(time.Duration(i) * time.Second),
			Kind:    audit.KindGateDecision,
			RunID:   "run-1",
			Payload: map[string]any{"tool": "shell", "decision": "deny"},
		})
		if err != nil {
			t.Fatalf("Ingest() error: %v", err)
		}
	}

	entries, err := s.Query("run-1", "", 0)
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d seq = %d", i, e.Seq)
		}
		if e.Payload["decision"] != "deny" {
			t.Errorf("payload lost: %+v", e.Payload)
		}
	}

	none, err := s.Query("run-1", audit.KindToolInvoked, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("kind filter returned %d entries", len(none))
	}
}

func TestRunsListing(t *testing.T) {
	s := openService(t)
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	_ = s.Ingest(audit.Entry{Seq: 1, TS: base, Kind: audit.KindLifecycle, RunID: "old-run"})
	_ = s.Ingest(audit.Entry{Seq: 1, TS: base.Add(time.Hour), Kind: audit.KindLifecycle, RunID: "new-run"})

	runs, err := s.Runs(0)
	if err != nil {
		t.Fatalf("Runs() error: %v", err)
	}
	if len(runs) != 2 || runs[0] != "new-run" {
		t.Errorf("runs = %v, want newest first", runs)
	}
}

func TestMirrorLogForwardsAfterDurableWrite(t *testing.T) {
	s := openService(t)
	mem := audit.NewMemoryLog()
	log := NewMirrorLog(mem, s)

	seq, err := log.Append(audit.KindLifecycle, "run-m", map[string]any{"stage": "run_started"})
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if seq != 1 {
		t.Errorf("seq = %d", seq)
	}
	entries, err := s.Query("run-m", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Payload["stage"] != "run_started" {
		t.Errorf("mirror entries = %+v", entries)
	}
}
