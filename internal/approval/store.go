// Package approval provides the durable approvals store and the
// interactive approval manager.
//
// The store maps (tool, argument fingerprint) to operator grants with TTL
// and use counts. All mutations persist with write-temp-then-rename and
// fsync before returning success.
package approval

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/localagent/localagent/internal/canon"
)

// ErrNotFound reports a missing approval id.
var ErrNotFound = errors.New("approval not found")

// Approval is one operator grant.
type Approval struct {
	ID              string     `json:"id"`
	Tool            string     `json:"tool"`
	ArgsFingerprint string     `json:"args_fingerprint"`
	GrantedAt       time.Time  `json:"granted_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RemainingUses   *int       `json:"remaining_uses,omitempty"`
	Auto            bool       `json:"auto,omitempty"`
}

// valid reports whether the approval still matches at the given instant.
// An expired or fully consumed approval never matches again.
func (a *Approval) valid(now time.Time) bool {
	if a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
		return false
	}
	if a.RemainingUses != nil && *a.RemainingUses <= 0 {
		return false
	}
	return true
}

type document struct {
	Version int        `json:"version"`
	Entries []Approval `json:"entries"`
}

// Store is the single-writer durable approvals store.
type Store struct {
	mu    sync.Mutex
	path  string
	doc   document
	clock func() time.Time

	// fileSize/fileMtime fingerprint the backing file to detect external
	// writers, which are unsupported within a run.
	fileSize  int64
	fileMtime time.Time
}

// Open loads (or initializes) the approvals file at path.
func Open(path string) (*Store, error) {
	s := &Store{path: path, clock: time.Now, doc: document{Version: 1}}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read approvals file: %w", err)
	}
	if err := json.Unmarshal(raw, &s.doc); err != nil {
		return nil, fmt.Errorf("parse approvals file %s: %w", path, err)
	}
	if s.doc.Version != 1 {
		return nil, fmt.Errorf("approvals file %s: unsupported version %d", path, s.doc.Version)
	}
	s.noteFile()
	return s, nil
}

// SetClock injects a deterministic clock for tests.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Lookup returns the first approval matching tool+fingerprint that is not
// expired and has uses remaining.
func (s *Store) Lookup(tool, fingerprint string) (*Approval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnIfExternallyModified()
	now := s.clock()
	for i := range s.doc.Entries {
		a := &s.doc.Entries[i]
		if a.Tool == tool && a.ArgsFingerprint == fingerprint && a.valid(now) {
			out := *a
			return &out, true
		}
	}
	return nil, false
}

// Consume decrements the use count of an approval and persists. Approvals
// without a use count are unlimited until expiry; consuming them only
// touches the file to keep the mutation durable ordering uniform.
func (s *Store) Consume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.Entries {
		a := &s.doc.Entries[i]
		if a.ID != id {
			continue
		}
		if a.RemainingUses != nil {
			if *a.RemainingUses <= 0 {
				return fmt.Errorf("approval %s: %w", id, ErrNotFound)
			}
			n := *a.RemainingUses - 1
			a.RemainingUses = &n
		}
		return s.persistLocked()
	}
	return fmt.Errorf("approval %s: %w", id, ErrNotFound)
}

// Grant writes a new approval record. Zero ttl means no expiry; zero
// maxUses means unlimited uses.
func (s *Store) Grant(tool, fingerprint string, ttl time.Duration, maxUses int, auto bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	a := Approval{
		ID:              newApprovalID(),
		Tool:            tool,
		ArgsFingerprint: fingerprint,
		GrantedAt:       now.UTC(),
		Auto:            auto,
	}
	if ttl > 0 {
		exp := now.Add(ttl).UTC()
		a.ExpiresAt = &exp
	}
	if maxUses > 0 {
		a.RemainingUses = &maxUses
	}
	s.doc.Entries = append(s.doc.Entries, a)
	if err := s.persistLocked(); err != nil {
		return "", err
	}
	return a.ID, nil
}

// Prune removes expired and consumed entries, returning the removed count.
// Pruning twice yields the same result as once.
func (s *Store) Prune() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	kept := s.doc.Entries[:0]
	removed := 0
	for _, a := range s.doc.Entries {
		if a.valid(now) {
			kept = append(kept, a)
		} else {
			removed++
		}
	}
	s.doc.Entries = kept
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persistLocked()
}

// Valid returns the currently-valid approvals sorted by id.
func (s *Store) Valid() []Approval {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	var out []Approval
	for _, a := range s.doc.Entries {
		if a.valid(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Hash returns the stable hash over the currently-valid approval set for
// inclusion in the run record. Grant times are part of the record; the
// hash covers the identity fields only so a re-load hashes identically.
func (s *Store) Hash() (string, error) {
	type hashEntry struct {
		ID              string `json:"id"`
		Tool            string `json:"tool"`
		ArgsFingerprint string `json:"args_fingerprint"`
		RemainingUses   *int   `json:"remaining_uses,omitempty"`
	}
	valid := s.Valid()
	entries := make([]hashEntry, len(valid))
	for i, a := range valid {
		entries[i] = hashEntry{ID: a.ID, Tool: a.Tool, ArgsFingerprint: a.ArgsFingerprint, RemainingUses: a.RemainingUses}
	}
	return canon.HashJSON(entries)
}

// persistLocked writes the document with temp-then-rename atomicity and
// fsyncs both the file and its directory before returning.
func (s *Store) persistLocked() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approvals: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".approvals-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp approvals file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp approvals file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp approvals file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp approvals file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename approvals file: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	s.noteFile()
	return nil
}

func (s *Store) noteFile() {
	if info, err := os.Stat(s.path); err == nil {
		s.fileSize = info.Size()
		s.fileMtime = info.ModTime()
	}
}

func (s *Store) warnIfExternallyModified() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if info.Size() != s.fileSize || !info.ModTime().Equal(s.fileMtime) {
		slog.Warn("approvals file changed outside this process; concurrent writers are not supported",
			"path", s.path)
		s.fileSize = info.Size()
		s.fileMtime = info.ModTime()
	}
}

func newApprovalID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return fmt.Sprintf("appr-%d", time.Now().UnixNano())
}
