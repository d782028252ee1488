package mapping

import (
	"sync/atomic"
	"time"

	"github.com/ha1tch/pgshift/pkg/log"
	"github.com/ha1tch/pgshift/pkg/translate"
)

// Snapshot is one loaded generation of the mapping.
type Snapshot struct {
	Pipeline *translate.Pipeline
	Version  int64
	Source   string // file path, or "builtin"
	LoadedAt time.Time
}

// Registry holds the active pipeline. Readers get a consistent snapshot;
// reloads replace the whole snapshot at once, so a translation in flight
// keeps the pipeline it started with.
type Registry struct {
	current atomic.Pointer[Snapshot]
	version atomic.Int64
	logger  *log.Logger
}

// NewRegistry creates a registry serving the built-in tables.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Discard()
	}
	r := &Registry{logger: logger}
	p, err := DefaultTables().Build(translate.WithLogger(logger))
	if err != nil {
		// built-in tables are static
		panic(err)
	}
	r.swap(p, "builtin")
	return r
}

// Current returns the active snapshot.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Pipeline returns the active pipeline.
func (r *Registry) Pipeline() *translate.Pipeline {
	return r.current.Load().Pipeline
}

// Version returns the active mapping version. The built-in mapping is 1.
func (r *Registry) Version() int64 {
	return r.current.Load().Version
}

// LoadFile parses path and, if it is valid, makes it the active mapping.
// On error the previous mapping stays active.
func (r *Registry) LoadFile(path string) (*Snapshot, error) {
	t, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return r.Install(t, path)
}

// Install compiles tables and makes them the active mapping.
func (r *Registry) Install(t Tables, source string) (*Snapshot, error) {
	p, err := t.Build(translate.WithLogger(r.logger))
	if err != nil {
		return nil, err
	}
	snap := r.swap(p, source)
	r.logger.Application().Info("mapping installed",
		"source", source,
		"version", snap.Version,
		"words", len(t.Words),
		"idioms", len(t.Idioms),
	)
	return snap, nil
}

func (r *Registry) swap(p *translate.Pipeline, source string) *Snapshot {
	snap := &Snapshot{
		Pipeline: p,
		Version:  r.version.Add(1),
		Source:   source,
		LoadedAt: time.Now(),
	}
	r.current.Store(snap)
	return snap
}
