package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ha1tch/pgshift/pkg/errors"
)

func backends(t *testing.T) map[string]History {
	t.Helper()

	mem, err := NewInMemorySQLiteHistory()
	if err != nil {
		t.Fatalf("failed to open in-memory SQLite: %v", err)
	}

	cfg := DefaultSQLiteConfig()
	cfg.Path = filepath.Join(t.TempDir(), "history.db")
	file, err := NewSQLiteHistory(cfg)
	if err != nil {
		t.Fatalf("failed to open SQLite file: %v", err)
	}

	h := map[string]History{
		"memory":        NewMemoryHistory(),
		"sqlite-memory": mem,
		"sqlite-file":   file,
	}
	t.Cleanup(func() {
		for _, b := range h {
			b.Close()
		}
	})
	return h
}

func TestHistory_RecordAndGet(t *testing.T) {
	ctx := context.Background()

	for name, h := range backends(t) {
		t.Run(name, func(t *testing.T) {
			e := &Entry{
				RequestID:      "req-1",
				ReportID:       "42",
				ReportName:     "orders",
				Source:         "form",
				Original:       "SELECT now()",
				Translated:     "SELECT getdate()",
				MappingVersion: 3,
				Duration:       1500 * time.Microsecond,
			}
			if err := h.Record(ctx, e); err != nil {
				t.Fatalf("failed to record: %v", err)
			}
			if e.ID == 0 || e.CreatedAt.IsZero() {
				t.Fatalf("expected ID and CreatedAt to be set, got %d %v", e.ID, e.CreatedAt)
			}

			got, err := h.Get(ctx, e.ID)
			if err != nil {
				t.Fatalf("failed to get: %v", err)
			}
			if got.Translated != "SELECT getdate()" || got.ReportName != "orders" {
				t.Errorf("unexpected entry: %+v", got)
			}
			if got.MappingVersion != 3 || got.Duration != 1500*time.Microsecond {
				t.Errorf("expected version 3 and 1.5ms, got %d %v", got.MappingVersion, got.Duration)
			}
			if !got.CreatedAt.Equal(e.CreatedAt) {
				t.Errorf("expected created_at %v, got %v", e.CreatedAt, got.CreatedAt)
			}

			_, err = h.Get(ctx, e.ID+100)
			if !errors.IsCode(err, errors.ErrCodeStorageNotFound) {
				t.Errorf("expected not found, got %v", err)
			}
		})
	}
}

func TestHistory_RecentNewestFirst(t *testing.T) {
	ctx := context.Background()

	for name, h := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				if err := h.Record(ctx, &Entry{Original: "q", Translated: "q", ReportID: string(rune('a' + i))}); err != nil {
					t.Fatalf("failed to record: %v", err)
				}
			}

			recent, err := h.Recent(ctx, 3)
			if err != nil {
				t.Fatalf("failed to list: %v", err)
			}
			if len(recent) != 3 {
				t.Fatalf("expected 3 entries, got %d", len(recent))
			}
			if recent[0].ReportID != "e" || recent[2].ReportID != "c" {
				t.Errorf("expected e..c, got %s..%s", recent[0].ReportID, recent[2].ReportID)
			}

			all, err := h.Recent(ctx, 0)
			if err != nil {
				t.Fatalf("failed to list: %v", err)
			}
			if len(all) != 5 {
				t.Errorf("expected all 5 entries, got %d", len(all))
			}

			n, err := h.Count(ctx)
			if err != nil {
				t.Fatalf("failed to count: %v", err)
			}
			if n != 5 {
				t.Errorf("expected count 5, got %d", n)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	tests := []struct {
		typ     string
		wantNil bool
		wantErr bool
	}{
		{"memory", false, false},
		{"", false, false},
		{"sqlite", false, false},
		{"none", true, false},
		{"postgres", true, true},
	}

	for _, tc := range tests {
		t.Run(tc.typ, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Type = tc.typ
			h, err := Open(cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("expected error=%v, got %v", tc.wantErr, err)
			}
			if (h == nil) != tc.wantNil {
				t.Fatalf("expected nil=%v, got %v", tc.wantNil, h)
			}
			if h != nil {
				h.Close()
			}
		})
	}
}

func TestSQLiteConfig_DSN(t *testing.T) {
	cfg := DefaultSQLiteConfig()
	cfg.Path = "history.db"
	want := "history.db?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	if got := cfg.DSN(); got != want {
		t.Errorf("expected %s, got %s", want, got)
	}

	if got := (SQLiteConfig{Path: "x.db"}).DSN(); got != "x.db" {
		t.Errorf("expected bare path, got %s", got)
	}
}
