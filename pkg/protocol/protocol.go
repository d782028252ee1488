// Package protocol provides the network front ends of pgshift.
//
// Each protocol (HTTP, PostgreSQL wire) implements Listener and serves the
// same translation service. Implementations register a factory from their
// init function; the server imports them for that side effect.
package protocol

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ha1tch/pgshift/pkg/errors"
	"github.com/ha1tch/pgshift/pkg/log"
	"github.com/ha1tch/pgshift/pkg/service"
	"github.com/ha1tch/pgshift/pkg/tlsutil"
)

// ProtocolType identifies a front end.
type ProtocolType string

const (
	ProtocolHTTP     ProtocolType = "http"     // web form and JSON API
	ProtocolPostgres ProtocolType = "postgres" // PostgreSQL wire protocol
)

func (p ProtocolType) String() string {
	return string(p)
}

// DefaultPort returns the default port for a protocol.
func (p ProtocolType) DefaultPort() int {
	switch p {
	case ProtocolHTTP:
		return 8080
	case ProtocolPostgres:
		return 15432
	default:
		return 0
	}
}

// Listener serves the translation service on one address.
type Listener interface {
	// Protocol returns the protocol type.
	Protocol() ProtocolType

	// Listen binds the configured address and starts serving in the
	// background.
	Listen() error

	// Close stops the listener and waits for in-flight requests.
	Close() error

	// Addr returns the listener's network address, or nil before Listen.
	Addr() net.Addr

	// ConnectionCount returns the number of active connections or requests.
	ConnectionCount() int
}

// ListenerConfig configures a protocol listener.
type ListenerConfig struct {
	Name     string
	Protocol ProtocolType

	Host string
	Port int

	// TLS: either a certificate pair or a generated self-signed certificate
	TLSEnabled    bool
	TLSCertFile   string
	TLSKeyFile    string
	TLSSelfSigned bool

	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration

	// Upper bound on a request body or query message
	MaxBodyBytes int64
}

// DefaultListenerConfig returns a ListenerConfig with sensible defaults.
func DefaultListenerConfig(proto ProtocolType) ListenerConfig {
	return ListenerConfig{
		Name:           string(proto),
		Protocol:       proto,
		Host:           "0.0.0.0",
		Port:           proto.DefaultPort(),
		MaxConnections: 100,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    5 * time.Minute,
		MaxBodyBytes:   32 << 20,
	}
}

// Address returns the full listen address.
func (c ListenerConfig) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// TLSConfig returns the TLS configuration, or nil when TLS is disabled.
func (c ListenerConfig) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	if c.TLSSelfSigned || (c.TLSCertFile == "" && c.TLSKeyFile == "") {
		return tlsutil.GenerateSelfSignedCert()
	}
	cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigInvalid, "load TLS certificate").
			WithField("cert", c.TLSCertFile).
			Err()
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ListenerFactory creates a listener.
type ListenerFactory func(cfg ListenerConfig, svc *service.Service, logger *log.Logger) (Listener, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[ProtocolType]ListenerFactory)
)

// Register makes a protocol available to NewListener.
func Register(proto ProtocolType, f ListenerFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[proto] = f
}

// NewListener creates a listener for cfg.Protocol.
func NewListener(cfg ListenerConfig, svc *service.Service, logger *log.Logger) (Listener, error) {
	factoriesMu.RLock()
	f, ok := factories[cfg.Protocol]
	factoriesMu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrCodeConfigInvalid,
			"protocol %q not available", cfg.Protocol).
			WithOp("Protocol.NewListener").
			Err()
	}
	return f(cfg, svc, logger)
}
