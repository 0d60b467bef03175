// Package session provides conversation seeds persisted between runs.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/localagent/localagent/internal/provider"
)

// Session is a named conversation carried across runs. The loop consumes
// it as a seed and the driver appends the finished conversation back.
type Session struct {
	Name      string             `json:"name"`
	Messages  []provider.Message `json:"messages"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// New creates an empty session.
func New(name string) *Session {
	now := time.Now().UTC()
	return &Session{Name: name, CreatedAt: now, UpdatedAt: now}
}

// Load reads a session by name from dir. A missing session is not an
// error; it returns a fresh one.
func Load(dir, name string) (*Session, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, name+".json"))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return New(name), nil
	case err != nil:
		return nil, fmt.Errorf("read session %s: %w", name, err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", name, err)
	}
	if s.Name == "" {
		s.Name = name
	}
	return &s, nil
}

// Save persists the session under dir.
func (s *Session) Save(dir string) error {
	if err := validName(s.Name); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	s.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.Name, err)
	}
	path := filepath.Join(dir, s.Name+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", s.Name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename session %s: %w", s.Name, err)
	}
	return nil
}

// Replace swaps the message history for the finished conversation.
func (s *Session) Replace(messages []provider.Message) {
	s.Messages = append([]provider.Message(nil), messages...)
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid session name: %q", name)
	}
	return nil
}
