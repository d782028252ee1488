package protocol

import (
	"net"
	"testing"

	"github.com/ha1tch/pgshift/pkg/errors"
	"github.com/ha1tch/pgshift/pkg/log"
	"github.com/ha1tch/pgshift/pkg/service"
	"github.com/ha1tch/pgshift/pkg/tlsutil"
)

func TestListenerConfig_Address(t *testing.T) {
	cfg := DefaultListenerConfig(ProtocolHTTP)
	if got := cfg.Address(); got != "0.0.0.0:8080" {
		t.Errorf("unexpected address: %s", got)
	}
	cfg.Host = "::1"
	if got := cfg.Address(); got != "[::1]:8080" {
		t.Errorf("unexpected IPv6 address: %s", got)
	}
	if DefaultListenerConfig(ProtocolPostgres).Port != 15432 {
		t.Error("unexpected postgres default port")
	}
}

func TestListenerConfig_TLS(t *testing.T) {
	cfg := DefaultListenerConfig(ProtocolHTTP)
	if tc, err := cfg.TLSConfig(); err != nil || tc != nil {
		t.Fatalf("expected no TLS config when disabled, got %v %v", tc, err)
	}

	cfg.TLSEnabled = true
	tc, err := cfg.TLSConfig()
	if err != nil {
		t.Fatalf("failed to generate self-signed config: %v", err)
	}
	if len(tc.Certificates) != 1 {
		t.Errorf("expected one certificate, got %d", len(tc.Certificates))
	}

	certFile, keyFile, err := tlsutil.GenerateAndSaveCert(t.TempDir())
	if err != nil {
		t.Fatalf("failed to save certificate: %v", err)
	}
	cfg.TLSCertFile, cfg.TLSKeyFile = certFile, keyFile
	if _, err := cfg.TLSConfig(); err != nil {
		t.Errorf("failed to load saved certificate: %v", err)
	}

	cfg.TLSKeyFile = certFile
	if _, err := cfg.TLSConfig(); !errors.IsCode(err, errors.ErrCodeConfigInvalid) {
		t.Errorf("expected invalid config error for mismatched files, got %v", err)
	}
}

type nopListener struct{}

func (nopListener) Protocol() ProtocolType { return "nop" }
func (nopListener) Listen() error          { return nil }
func (nopListener) Close() error           { return nil }
func (nopListener) Addr() net.Addr         { return nil }
func (nopListener) ConnectionCount() int   { return 0 }

func TestNewListener_Registry(t *testing.T) {
	Register("nop", func(cfg ListenerConfig, svc *service.Service, logger *log.Logger) (Listener, error) {
		return nopListener{}, nil
	})

	l, err := NewListener(ListenerConfig{Protocol: "nop"}, nil, nil)
	if err != nil {
		t.Fatalf("failed to create registered listener: %v", err)
	}
	if l.Protocol() != "nop" {
		t.Errorf("unexpected protocol %s", l.Protocol())
	}

	if _, err := NewListener(ListenerConfig{Protocol: "gopher"}, nil, nil); !errors.IsCode(err, errors.ErrCodeConfigInvalid) {
		t.Errorf("expected unknown protocol error, got %v", err)
	}
}
