// Package server assembles pgshift.
//
// The server coordinates the mapping registry (and its file watcher), the
// optional history, validation and archive components, the translation
// service built on them, and the protocol listeners that expose it.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/ha1tch/pgshift/pkg/batch"
	"github.com/ha1tch/pgshift/pkg/errors"
	"github.com/ha1tch/pgshift/pkg/export"
	"github.com/ha1tch/pgshift/pkg/log"
	"github.com/ha1tch/pgshift/pkg/mapping"
	"github.com/ha1tch/pgshift/pkg/protocol"
	"github.com/ha1tch/pgshift/pkg/service"
	"github.com/ha1tch/pgshift/pkg/storage"
	"github.com/ha1tch/pgshift/pkg/validate"
	"github.com/ha1tch/pgshift/pkg/version"

	// Listener factories
	_ "github.com/ha1tch/pgshift/pkg/protocol/http"
	_ "github.com/ha1tch/pgshift/pkg/protocol/postgres"
)

// Server is the pgshift translation server.
type Server struct {
	mu sync.RWMutex

	// Configuration
	config Config

	// Logging
	logger     *log.Logger
	ownsLogger bool

	// Core components
	registry  *mapping.Registry
	watcher   *mapping.Watcher
	history   storage.History
	validator *validate.Validator
	service   *service.Service

	// Protocol listeners
	listeners map[string]protocol.Listener

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc

	// State
	state     State
	startTime time.Time
}

// State represents the server's current state.
type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds server configuration.
type Config struct {
	// Server identification
	Name    string
	Version string

	// Mapping file; the built-in tables are used when empty
	MappingFile  string
	WatchMapping bool // Hot-reload the mapping on file changes

	// Protocol listeners to enable
	Listeners []protocol.ListenerConfig

	// Translation history
	Storage storage.Config

	// Redshift validation; disabled when Validate.DSN is empty
	Validate validate.Config

	// Batch translation
	BatchEnabled bool
	Batch        batch.Config
	WorkspaceFS  afero.Fs // OS filesystem if nil

	// Archive copies: S3 when S3.Bucket is set, else ArchiveDir when set
	S3         export.S3Config
	ArchiveDir string

	// Logging
	LogLevel  string
	LogFormat string      // "text" or "json"
	Logger    *log.Logger // Optional pre-configured logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:         "pgshift",
		Version:      version.String(),
		WatchMapping: true,
		Listeners: []protocol.ListenerConfig{
			protocol.DefaultListenerConfig(protocol.ProtocolHTTP),
		},
		Storage:      storage.DefaultConfig(),
		Validate:     validate.DefaultConfig(),
		BatchEnabled: true,
		Batch:        batch.DefaultConfig(),
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	// Initialise logger
	logger := cfg.Logger
	ownsLogger := false
	if logger == nil {
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			cancel()
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid log level").
				WithOp("Server.New").
				Err()
		}
		format, err := log.ParseFormat(cfg.LogFormat)
		if err != nil {
			cancel()
			return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "invalid log format").
				WithOp("Server.New").
				Err()
		}
		logger = log.New(log.Config{
			DefaultLevel:  level,
			Format:        format,
			IncludeCaller: level == log.LevelDebug,
		})
		ownsLogger = true
	}

	s := &Server{
		config:     cfg,
		logger:     logger,
		ownsLogger: ownsLogger,
		registry:   mapping.NewRegistry(logger),
		listeners:  make(map[string]protocol.Listener),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateNew,
	}

	logger.System().Info("server initialised",
		"name", cfg.Name,
		"version", cfg.Version,
		"mapping_file", cfg.MappingFile,
		"history", cfg.Storage.Type,
		"validation", cfg.Validate.DSN != "",
	)

	return s, nil
}

// Start loads the mapping, opens every configured component and starts
// the listeners.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.state != StateNew {
		s.mu.Unlock()
		return errors.Newf(errors.ErrCodeInvalidState,
			"server cannot start from state %s", s.state).
			WithOp("Server.Start").
			Err()
	}
	s.state = StateStarting
	s.mu.Unlock()

	s.logger.System().Info("server starting")

	if err := s.start(); err != nil {
		s.Stop() // Clean up whatever was started
		return err
	}

	s.mu.Lock()
	s.state = StateRunning
	s.startTime = time.Now()
	s.mu.Unlock()

	snap := s.registry.Current()
	s.logger.System().Info("server started",
		"state", "running",
		"mapping_version", snap.Version,
		"mapping_source", snap.Source,
		"listeners", len(s.listeners),
	)

	return nil
}

func (s *Server) start() error {
	if s.config.MappingFile != "" {
		if _, err := s.registry.LoadFile(s.config.MappingFile); err != nil {
			return errors.Wrap(err, errors.ErrCodeMappingRead, "failed to load mapping").
				WithOp("Server.Start").
				WithField("file", s.config.MappingFile).
				Err()
		}
		if s.config.WatchMapping {
			if err := s.startWatcher(); err != nil {
				return err
			}
		}
	}

	opts, err := s.initComponents()
	if err != nil {
		return err
	}
	s.service = service.New(s.registry, s.logger, opts...)

	for _, lcfg := range s.config.Listeners {
		if err := s.startListener(lcfg); err != nil {
			return errors.Wrap(err, errors.ErrCodeListenFailed,
				"failed to start listener").
				WithOp("Server.Start").
				WithField("protocol", lcfg.Protocol).
				WithField("port", lcfg.Port).
				Err()
		}
	}
	return nil
}

func (s *Server) startWatcher() error {
	w, err := mapping.NewWatcher(s.config.MappingFile, s.registry, s.logger)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// initComponents opens history, validation and batch support and returns
// the service options wiring them in.
func (s *Server) initComponents() ([]service.Option, error) {
	var opts []service.Option

	history, err := storage.Open(s.config.Storage)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageConnect,
			"failed to initialise history").
			WithOp("Server.Start").
			WithField("type", s.config.Storage.Type).
			Err()
	}
	if history != nil {
		s.history = history
		opts = append(opts, service.WithHistory(history))
	}

	if s.config.Validate.DSN != "" {
		v, err := validate.New(s.ctx, s.config.Validate, s.logger)
		if err != nil {
			return nil, err
		}
		s.validator = v
		opts = append(opts, service.WithValidator(v))
	}

	if s.config.BatchEnabled {
		fs := s.config.WorkspaceFS
		if fs == nil {
			fs = afero.NewOsFs()
		}
		batchOpts := []batch.Option{}
		if s.history != nil {
			batchOpts = append(batchOpts, batch.WithHistory(s.history))
		}
		sink, err := s.archiveSink(fs)
		if err != nil {
			return nil, err
		}
		if sink != nil {
			batchOpts = append(batchOpts, batch.WithSink(sink))
		}
		p := batch.NewProcessor(fs, s.registry, s.config.Batch, s.logger, batchOpts...)
		opts = append(opts, service.WithBatch(p))
	}

	return opts, nil
}

func (s *Server) archiveSink(fs afero.Fs) (export.Sink, error) {
	switch {
	case s.config.S3.Bucket != "":
		sink, err := export.NewS3Sink(s.config.S3, s.logger)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case s.config.ArchiveDir != "":
		sink, err := export.NewDirSink(fs, s.config.ArchiveDir)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, nil
	}
}

// startListener creates and starts a protocol listener.
func (s *Server) startListener(cfg protocol.ListenerConfig) error {
	l, err := protocol.NewListener(cfg, s.service, s.logger)
	if err != nil {
		return err
	}
	if err := l.Listen(); err != nil {
		return err
	}

	name := cfg.Name
	if name == "" {
		name = string(cfg.Protocol)
	}

	s.mu.Lock()
	s.listeners[name] = l
	s.mu.Unlock()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning && s.state != StateStarting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.logger.System().Info("server stopping")

	// Signal all goroutines to stop
	s.cancel()

	// Stop all listeners
	for name, listener := range s.listeners {
		if err := listener.Close(); err != nil {
			s.logger.System().Error("failed to close listener", err,
				"listener", name,
				"protocol", listener.Protocol(),
			)
		}
	}

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.System().Error("failed to stop mapping watcher", err)
		}
	}
	if s.validator != nil {
		s.validator.Close()
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.System().Error("failed to close history", err)
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.logger.System().Info("server stopped")

	if s.ownsLogger {
		s.logger.Close()
	}

	return nil
}

// State returns the current server state.
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uptime()
}

func (s *Server) uptime() time.Duration {
	if s.state != StateRunning {
		return 0
	}
	return time.Since(s.startTime)
}

// Registry returns the mapping registry.
func (s *Server) Registry() *mapping.Registry {
	return s.registry
}

// Service returns the translation service, or nil before Start.
func (s *Server) Service() *service.Service {
	return s.service
}

// Listener returns a started listener by name.
func (s *Server) Listener(name string) (protocol.Listener, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listeners[name]
	return l, ok
}

// Stats returns server statistics.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.registry.Current()
	stats := Stats{
		State:          s.state.String(),
		Uptime:         s.uptime(),
		MappingVersion: snap.Version,
		MappingSource:  snap.Source,
		Listeners:      len(s.listeners),
		Validation:     s.validator != nil,
	}

	if s.history != nil {
		if n, err := s.history.Count(s.ctx); err == nil {
			stats.Translations = n
		}
	}

	// Collect listener stats
	for name, listener := range s.listeners {
		stats.ListenerStats = append(stats.ListenerStats, ListenerStats{
			Name:        name,
			Protocol:    string(listener.Protocol()),
			Connections: listener.ConnectionCount(),
		})
	}

	return stats
}

// Stats holds server statistics.
type Stats struct {
	State          string
	Uptime         time.Duration
	MappingVersion int64
	MappingSource  string
	Translations   int64
	Listeners      int
	Validation     bool
	ListenerStats  []ListenerStats
}

// ListenerStats holds statistics for a single listener.
type ListenerStats struct {
	Name        string
	Protocol    string
	Connections int
}
