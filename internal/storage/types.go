package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("session not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": Path is a directory holding <id>.json files
//   - "sqlite": Path is the database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Message is one transcript entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"` // tool name, for role "tool"
}

// Session is a persisted unit of work: its transcript plus free-form
// metadata (job id, target, exit code, ...).
type Session struct {
	ID         string         `json:"id"`
	Transcript []Message      `json:"transcript"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	SavedAt    time.Time      `json:"saved_at"`
}

// SessionStore persists and retrieves sessions by id.
// Save replaces any previous session with the same id.
type SessionStore interface {
	Save(ctx context.Context, s Session) error
	Load(ctx context.Context, id string) (Session, error)
	Exists(ctx context.Context, id string) (bool, error)
	Close() error
}

// validateID rejects ids that cannot be used as a file name.
func validateID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return errors.New("session id required")
	case strings.ContainsAny(id, `/\`), id == ".", id == "..":
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}
