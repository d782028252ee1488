package mapping

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ha1tch/pgshift/pkg/log"
)

func TestRegistry_Install(t *testing.T) {
	r := NewRegistry(nil)
	if r.Version() != 1 || r.Current().Source != "builtin" {
		t.Fatalf("expected builtin version 1, got %d from %s", r.Version(), r.Current().Source)
	}

	before := r.Pipeline()
	tables, err := Parse([]byte("words:\n  now: sysdate\n"))
	if err != nil {
		t.Fatalf("failed to parse mapping: %v", err)
	}
	snap, err := r.Install(tables, "test")
	if err != nil {
		t.Fatalf("failed to install: %v", err)
	}
	if snap.Version != 2 {
		t.Errorf("expected version 2, got %d", snap.Version)
	}
	if got := r.Pipeline().Translate("SELECT now()"); got != "SELECT sysdate()" {
		t.Errorf("expected new mapping, got %q", got)
	}
	// a pipeline obtained earlier is unaffected
	if got := before.Translate("SELECT now()"); got != "SELECT getdate()" {
		t.Errorf("expected old pipeline to keep its mapping, got %q", got)
	}
}

func TestRegistry_InstallFailureKeepsPrevious(t *testing.T) {
	r := NewRegistry(nil)
	tables, _ := Parse([]byte("words:\n  now: a\n  Now: b\n"))
	if _, err := r.Install(tables, "dup"); err == nil {
		t.Fatal("expected duplicate error")
	}
	if r.Version() != 1 || r.Current().Source != "builtin" {
		t.Errorf("expected builtin mapping to remain, got version %d", r.Version())
	}
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "pgshift-watcher-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "mapping.yaml")
	if err := os.WriteFile(path, []byte("words:\n  now: getdate\n"), 0644); err != nil {
		t.Fatalf("failed to write mapping: %v", err)
	}

	logger := log.New(log.Config{DefaultLevel: log.LevelOff})
	registry := NewRegistry(logger)
	if _, err := registry.LoadFile(path); err != nil {
		t.Fatalf("failed to load mapping: %v", err)
	}

	var mu sync.Mutex
	var versions []int64
	var failures int

	watcher, err := NewWatcher(path, registry, logger,
		WithDebounceDelay(50*time.Millisecond),
		WithOnReload(func(snap *Snapshot) {
			mu.Lock()
			versions = append(versions, snap.Version)
			mu.Unlock()
		}),
		WithOnError(func(err error) {
			mu.Lock()
			failures++
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)

	// unrelated files in the directory are ignored
	if err := os.WriteFile(filepath.Join(tmpDir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if err := os.WriteFile(path, []byte("words:\n  now: sysdate\n"), 0644); err != nil {
		t.Fatalf("failed to rewrite mapping: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	if got := registry.Pipeline().Translate("SELECT now()"); got != "SELECT sysdate()" {
		t.Errorf("expected reloaded mapping, got %q", got)
	}
	mu.Lock()
	if len(versions) != 1 {
		t.Errorf("expected 1 reload callback, got %d", len(versions))
	}
	mu.Unlock()

	// an invalid file keeps the previous mapping
	version := registry.Version()
	if err := os.WriteFile(path, []byte("words: [broken"), 0644); err != nil {
		t.Fatalf("failed to write broken mapping: %v", err)
	}

	time.Sleep(300 * time.Millisecond)

	if registry.Version() != version {
		t.Errorf("expected version %d to remain, got %d", version, registry.Version())
	}
	if got := registry.Pipeline().Translate("SELECT now()"); got != "SELECT sysdate()" {
		t.Errorf("expected previous mapping to remain, got %q", got)
	}
	mu.Lock()
	if failures == 0 {
		t.Error("expected an error callback for the broken file")
	}
	mu.Unlock()
}

func TestWatcher_StopIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mapping.yaml")

	w, err := NewWatcher(path, NewRegistry(nil), nil)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	if !w.IsRunning() {
		t.Error("expected watcher to be running")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("failed to stop watcher: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second stop should be a no-op, got %v", err)
	}
}
