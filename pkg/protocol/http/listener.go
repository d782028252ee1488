// Package http serves the translation service over HTTP.
//
// It provides the browser form (translate, download, batch upload) and a
// small JSON API for scripted use.
package http

import (
	"context"
	"crypto/tls"
	"embed"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ha1tch/pgshift/pkg/log"
	"github.com/ha1tch/pgshift/pkg/protocol"
	"github.com/ha1tch/pgshift/pkg/service"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

func init() {
	protocol.Register(protocol.ProtocolHTTP, func(cfg protocol.ListenerConfig, svc *service.Service, logger *log.Logger) (protocol.Listener, error) {
		return NewListener(cfg, svc, logger)
	})
}

// Listener implements protocol.Listener for HTTP.
type Listener struct {
	mu sync.RWMutex

	cfg        protocol.ListenerConfig
	svc        *service.Service
	logger     *log.Logger
	httpServer *http.Server
	listener   net.Listener
	tlsConfig  *tls.Config

	// In-flight requests
	active int64

	closed bool
}

// NewListener creates a new HTTP listener.
func NewListener(cfg protocol.ListenerConfig, svc *service.Service, logger *log.Logger) (*Listener, error) {
	if logger == nil {
		logger = log.Discard()
	}
	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}

	l := &Listener{
		cfg:       cfg,
		svc:       svc,
		logger:    logger,
		tlsConfig: tlsConfig,
	}

	l.httpServer = &http.Server{
		Handler:      l.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return l, nil
}

// Handler returns the routed handler with request middleware applied.
func (l *Listener) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", l.handleIndex)
	mux.HandleFunc("POST /{$}", l.handleTranslateForm)
	mux.HandleFunc("POST /download", l.handleDownload)
	mux.HandleFunc("POST /download/original", l.handleDownloadOriginal)
	mux.HandleFunc("POST /batch", l.handleBatch)
	mux.HandleFunc("POST /api/translate", l.handleAPITranslate)
	mux.HandleFunc("GET /api/history", l.handleAPIHistory)
	mux.HandleFunc("GET /api/history/{id}", l.handleAPIHistoryEntry)
	mux.HandleFunc("GET /api/mapping", l.handleAPIMapping)
	mux.HandleFunc("GET /health", l.handleHealth)
	return l.middleware(mux)
}

// Protocol returns the protocol type.
func (l *Listener) Protocol() protocol.ProtocolType {
	return protocol.ProtocolHTTP
}

// Listen starts listening on the configured address.
func (l *Listener) Listen() error {
	addr := l.cfg.Address()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if l.tlsConfig != nil {
		ln = tls.NewListener(ln, l.tlsConfig)
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.logger.System().Info("HTTP listener started",
		"address", ln.Addr().String(),
		"tls", l.tlsConfig != nil,
	)

	go func() {
		if err := l.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.logger.System().Error("HTTP server error", err)
		}
	}()

	return nil
}

// Close stops the listener.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return l.httpServer.Shutdown(ctx)
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// ConnectionCount returns the number of requests in flight.
func (l *Listener) ConnectionCount() int {
	return int(atomic.LoadInt64(&l.active))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// middleware assigns a request ID, bounds the body and logs the outcome.
func (l *Listener) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&l.active, 1)
		defer atomic.AddInt64(&l.active, -1)

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		ctx := log.WithRequestID(r.Context(), requestID)

		if l.cfg.MaxBodyBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, l.cfg.MaxBodyBytes)
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		l.logger.Application().WithContext(ctx).Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
