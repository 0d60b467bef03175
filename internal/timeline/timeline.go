// Package timeline mirrors audit entries into a queryable sqlite store.
//
// The JSONL audit log is the durable record; this mirror exists for the
// `localagent audit` query surface. Mirror writes are best-effort and
// never sit on the decision path's failure domain.
package timeline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/localagent/localagent/internal/audit"
)

// Schema is applied on open. Additive migrations only.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	seq INTEGER NOT NULL,
	run_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	ts DATETIME NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_entries(run_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_entries(kind);
`

// Service is the sqlite-backed mirror.
type Service struct {
	db *sql.DB
}

// Open creates or opens the mirror database.
func Open(dbPath string) (*Service, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open timeline db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply timeline schema: %w", err)
	}
	return &Service{db: db}, nil
}

// Ingest mirrors one audit entry.
func (s *Service) Ingest(e audit.Entry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_entries (seq, run_id, kind, ts, payload) VALUES (?, ?, ?, ?, ?)`,
		e.Seq, e.RunID, e.Kind, e.TS.UTC().Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		return fmt.Errorf("ingest audit entry: %w", err)
	}
	return nil
}

// Entry is one queried row.
type Entry struct {
	Seq     int64
	RunID   string
	Kind    string
	TS      time.Time
	Payload map[string]any
}

// Query returns entries for a run in sequence order. An empty kind
// matches all kinds.
func (s *Service) Query(runID, kind string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	q := `SELECT seq, run_id, kind, ts, payload FROM audit_entries WHERE run_id = ?`
	args := []any{runID}
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, kind)
	}
	q += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts, payload string
		if err := rows.Scan(&e.Seq, &e.RunID, &e.Kind, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.TS = parsed
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			e.Payload = map[string]any{}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Runs lists distinct run ids, most recent first.
func (s *Service) Runs(limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT run_id FROM audit_entries GROUP BY run_id ORDER BY MAX(ts) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Service) Close() error { return s.db.Close() }

// MirrorLog wraps an audit log, forwarding every entry to the mirror
// after the durable append succeeds.
type MirrorLog struct {
	audit.Log
	mirror *Service
}

// NewMirrorLog wires the mirror behind a durable log.
func NewMirrorLog(durable audit.Log, mirror *Service) *MirrorLog {
	return &MirrorLog{Log: durable, mirror: mirror}
}

func (m *MirrorLog) Append(kind, runID string, payload map[string]any) (int64, error) {
	seq, err := m.Log.Append(kind, runID, payload)
	if err != nil {
		return seq, err
	}
	if ingestErr := m.mirror.Ingest(audit.Entry{Seq: seq, TS: time.Now().UTC(), Kind: kind, RunID: runID, Payload: payload}); ingestErr != nil {
		slog.Debug("timeline mirror write failed", "run_id", runID, "error", ingestErr)
	}
	return seq, nil
}
