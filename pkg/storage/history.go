// Package storage records translation history.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ha1tch/pgshift/pkg/errors"
)

// Entry is one recorded translation.
type Entry struct {
	ID             int64         `json:"id"`
	RequestID      string        `json:"request_id"`
	ReportID       string        `json:"report_id"`
	ReportName     string        `json:"report_name"`
	Source         string        `json:"source"` // form, upload, api, batch, cli
	Original       string        `json:"original"`
	Translated     string        `json:"translated"`
	MappingVersion int64         `json:"mapping_version"`
	Duration       time.Duration `json:"duration_ns"`
	CreatedAt      time.Time     `json:"created_at"`
}

// History stores and retrieves translations.
type History interface {
	// Record stores e and sets its ID and, if unset, CreatedAt.
	Record(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id int64) (*Entry, error)
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Config selects and configures a history backend.
type Config struct {
	Type   string // "sqlite", "memory" or "none"
	SQLite SQLiteConfig
}

// DefaultConfig returns an in-memory history.
func DefaultConfig() Config {
	return Config{
		Type:   "memory",
		SQLite: DefaultSQLiteConfig(),
	}
}

// Open creates the backend named by cfg.Type. "none" returns a nil History.
func Open(cfg Config) (History, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryHistory(), nil
	case "sqlite":
		h, err := NewSQLiteHistory(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		return h, nil
	case "none":
		return nil, nil
	default:
		return nil, errors.Newf(errors.ErrCodeConfigInvalid, "unknown storage type %q", cfg.Type).
			WithOp("Storage.Open").
			Err()
	}
}

// MemoryHistory keeps history in process memory.
type MemoryHistory struct {
	mu      sync.RWMutex
	entries map[int64]Entry
	nextID  int64
}

// NewMemoryHistory creates an empty in-memory history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{entries: make(map[int64]Entry)}
}

// Record stores e.
func (h *MemoryHistory) Record(ctx context.Context, e *Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	e.ID = h.nextID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	h.entries[e.ID] = *e
	return nil
}

// Get returns the entry with the given ID.
func (h *MemoryHistory) Get(ctx context.Context, id int64) (*Entry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	e, ok := h.entries[id]
	if !ok {
		return nil, errors.NotFound("translation", itoa(id)).Err()
	}
	return &e, nil
}

// Recent returns up to limit entries, newest first.
func (h *MemoryHistory) Recent(ctx context.Context, limit int) ([]Entry, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Entry, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored entries.
func (h *MemoryHistory) Count(ctx context.Context) (int64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int64(len(h.entries)), nil
}

// Close releases nothing.
func (h *MemoryHistory) Close() error { return nil }
