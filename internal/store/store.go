// Package store persists hierarchical strategy state as an append-only history of JSON snapshots.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Entry is one saved value. Path is the full key, e.g. "/strategy/signal/params".
type Entry struct {
	Path      string          `json:"path"`
	UpdatedAt time.Time       `json:"updated_at"`
	SavedAt   time.Time       `json:"saved_at"`
	Data      json.RawMessage `json:"data"`
}

// Backend stores entries; the newest UpdatedAt per path wins on read.
type Backend interface {
	Latest(ctx context.Context, path string) (Entry, bool, error)
	Append(ctx context.Context, e Entry) error
	Close() error
}

// Memory keeps every entry in process. Useful for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	entries map[string][]Entry
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]Entry)}
}

// Latest returns the newest entry for path.
func (m *Memory) Latest(_ context.Context, path string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := m.entries[path]
	if len(hist) == 0 {
		return Entry{}, false, nil
	}
	return hist[len(hist)-1], true, nil
}

// Append records e.
func (m *Memory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := m.entries[e.Path]
	i := len(hist)
	for i > 0 && hist[i-1].UpdatedAt.After(e.UpdatedAt) {
		i--
	}
	hist = append(hist, Entry{})
	copy(hist[i+1:], hist[i:])
	hist[i] = e
	m.entries[e.Path] = hist
	return nil
}

// History returns every entry saved under path, oldest first.
func (m *Memory) History(path string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries[path]...)
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func newer(a, b Entry) bool {
	return !a.UpdatedAt.Before(b.UpdatedAt)
}

// Open returns the backend for driver: "memory", "file" (JSON lines at path) or "sqlite" (DSN path).
func Open(driver, path string) (Backend, error) {
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		f, err := OpenFile(path)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "sqlite":
		db, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
