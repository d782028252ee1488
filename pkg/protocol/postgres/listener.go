// Package postgres serves the translation service over the PostgreSQL wire
// protocol (v3).
//
// Any PostgreSQL client (psql, pgAdmin, a driver) can connect and send a
// query with the simple query protocol. Instead of executing it, the
// listener replies with a one-row, one-column result holding the Redshift
// translation. Validation warnings arrive as notices.
//
// The implementation uses jackc/pgx's pgproto3 for protocol encoding/decoding.
package postgres

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/ha1tch/pgshift/pkg/errors"
	"github.com/ha1tch/pgshift/pkg/log"
	"github.com/ha1tch/pgshift/pkg/protocol"
	"github.com/ha1tch/pgshift/pkg/service"
	"github.com/ha1tch/pgshift/pkg/version"
)

// ColumnName is the name of the single result column.
const ColumnName = "translated"

// SQLSTATE codes sent to clients.
const (
	codeFeatureNotSupported  = "0A000"
	codeTooManyConnections   = "53300"
	codeProgramLimitExceeded = "54000"
	codeUntranslatable       = "22021" // character_not_in_repertoire
	codeInternal             = "XX000"
	textOID                  = 25
)

func init() {
	protocol.Register(protocol.ProtocolPostgres, func(cfg protocol.ListenerConfig, svc *service.Service, logger *log.Logger) (protocol.Listener, error) {
		return NewListener(cfg, svc, logger)
	})
}

// Listener implements protocol.Listener for the PostgreSQL wire protocol.
type Listener struct {
	mu sync.RWMutex

	cfg       protocol.ListenerConfig
	svc       *service.Service
	logger    *log.Logger
	listener  net.Listener
	tlsConfig *tls.Config

	// Connection tracking
	connections map[*Conn]struct{}
	connCount   int64
	wg          sync.WaitGroup

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewListener creates a new PostgreSQL protocol listener.
func NewListener(cfg protocol.ListenerConfig, svc *service.Service, logger *log.Logger) (*Listener, error) {
	if logger == nil {
		logger = log.Discard()
	}
	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Listener{
		cfg:         cfg,
		svc:         svc,
		logger:      logger,
		tlsConfig:   tlsConfig,
		connections: make(map[*Conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Protocol returns the protocol type.
func (l *Listener) Protocol() protocol.ProtocolType {
	return protocol.ProtocolPostgres
}

// Listen starts listening on the configured address. TLS, when enabled, is
// negotiated per connection through SSLRequest.
func (l *Listener) Listen() error {
	addr := l.cfg.Address()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeListenFailed, "listen").
			WithField("address", addr).
			Err()
	}

	l.mu.Lock()
	l.listener = ln
	l.mu.Unlock()

	l.logger.System().Info("PostgreSQL listener started",
		"address", ln.Addr().String(),
		"tls", l.tlsConfig != nil,
	)

	l.wg.Add(1)
	go l.acceptLoop(ln)

	return nil
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	for {
		netConn, err := ln.Accept()
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.System().Error("accept failed", err)
			}
			return
		}

		if l.cfg.MaxConnections > 0 && l.ConnectionCount() >= l.cfg.MaxConnections {
			l.logger.System().Warn("connection rejected, limit reached",
				"remote_addr", netConn.RemoteAddr().String(),
				"limit", l.cfg.MaxConnections,
			)
			netConn.Write((&pgproto3.ErrorResponse{
				Severity: "FATAL",
				Code:     codeTooManyConnections,
				Message:  "too many connections",
			}).Encode(nil))
			netConn.Close()
			continue
		}

		conn := newConn(netConn, l)

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			netConn.Close()
			return
		}
		l.connections[conn] = struct{}{}
		atomic.AddInt64(&l.connCount, 1)
		l.wg.Add(1)
		l.mu.Unlock()

		go func() {
			defer l.wg.Done()
			defer l.removeConnection(conn)
			conn.serve(l.ctx)
		}()
	}
}

// Close stops the listener and closes every open connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.cancel()

	var err error
	if l.listener != nil {
		err = l.listener.Close()
	}
	for conn := range l.connections {
		conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	return err
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

// ConnectionCount returns the number of active connections.
func (l *Listener) ConnectionCount() int {
	return int(atomic.LoadInt64(&l.connCount))
}

// removeConnection removes a connection from tracking.
func (l *Listener) removeConnection(conn *Conn) {
	conn.Close()

	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.connections, conn)
	atomic.AddInt64(&l.connCount, -1)
}

// Conn is one client session.
type Conn struct {
	mu sync.Mutex

	netConn net.Conn
	l       *Listener
	backend *pgproto3.Backend

	// Session state
	user     string
	database string
	params   map[string]string

	// Set after an extended-protocol message until the next Sync
	extendedRejected bool

	closed bool
}

// newConn creates a new PostgreSQL connection wrapper.
func newConn(netConn net.Conn, l *Listener) *Conn {
	return &Conn{
		netConn: netConn,
		l:       l,
		backend: pgproto3.NewBackend(netConn, netConn),
		params:  make(map[string]string),
	}
}

// serve runs the session until the client terminates or the listener closes.
func (c *Conn) serve(ctx context.Context) {
	logger := c.l.logger.System()

	if err := c.handshake(); err != nil {
		if err != io.EOF {
			logger.Debug("handshake failed",
				"remote_addr", c.netConn.RemoteAddr().String(),
				"error", err.Error(),
			)
		}
		return
	}

	logger.Debug("session started",
		"remote_addr", c.netConn.RemoteAddr().String(),
		"user", c.user,
		"database", c.database,
		"application_name", c.params["application_name"],
	)

	for {
		if ctx.Err() != nil {
			return
		}
		if c.l.cfg.IdleTimeout > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(c.l.cfg.IdleTimeout))
		}

		msg, err := c.backend.Receive()
		if err != nil {
			return
		}

		var buf []byte
		switch m := msg.(type) {
		case *pgproto3.Query:
			buf = c.handleQuery(ctx, m.String)

		case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe, *pgproto3.Execute, *pgproto3.Close, *pgproto3.Flush:
			// Report once, then discard until Sync as a server would after an error.
			if !c.extendedRejected {
				c.extendedRejected = true
				buf = errorResponse(codeFeatureNotSupported,
					"extended query protocol is not supported; use the simple query protocol")
			}

		case *pgproto3.Sync:
			c.extendedRejected = false
			buf = readyForQuery(nil)

		case *pgproto3.Terminate:
			return

		default:
			buf = readyForQuery(errorResponse(codeFeatureNotSupported,
				fmt.Sprintf("unsupported message %T", msg)))
		}

		if len(buf) == 0 {
			continue
		}
		if err := c.write(buf); err != nil {
			return
		}
	}
}

// handshake performs the PostgreSQL startup handshake. No authentication
// is required; the endpoint never touches a database.
func (c *Conn) handshake() error {
	if c.l.cfg.ReadTimeout > 0 {
		c.netConn.SetReadDeadline(time.Now().Add(c.l.cfg.ReadTimeout))
		defer c.netConn.SetReadDeadline(time.Time{})
	}

	startupMsg, err := c.backend.ReceiveStartupMessage()
	if err != nil {
		return err
	}

	switch msg := startupMsg.(type) {
	case *pgproto3.StartupMessage:
		c.user = msg.Parameters["user"]
		c.database = msg.Parameters["database"]
		for k, v := range msg.Parameters {
			c.params[k] = v
		}

		buf := (&pgproto3.AuthenticationOk{}).Encode(nil)
		buf = (&pgproto3.ParameterStatus{Name: "server_version", Value: "15.0.0 (pgshift " + version.String() + ")"}).Encode(buf)
		buf = (&pgproto3.ParameterStatus{Name: "server_encoding", Value: "UTF8"}).Encode(buf)
		buf = (&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"}).Encode(buf)
		buf = (&pgproto3.ParameterStatus{Name: "DateStyle", Value: "ISO, MDY"}).Encode(buf)
		buf = (&pgproto3.ParameterStatus{Name: "standard_conforming_strings", Value: "on"}).Encode(buf)
		buf = (&pgproto3.BackendKeyData{ProcessID: uint32(time.Now().UnixNano() & 0xFFFFFFFF), SecretKey: 0}).Encode(buf)
		buf = readyForQuery(buf)
		return c.write(buf)

	case *pgproto3.SSLRequest:
		if c.l.tlsConfig == nil {
			if _, err := c.netConn.Write([]byte{'N'}); err != nil {
				return err
			}
			return c.handshake()
		}
		if _, err := c.netConn.Write([]byte{'S'}); err != nil {
			return err
		}
		tlsConn := tls.Server(c.netConn, c.l.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			return fmt.Errorf("TLS handshake: %w", err)
		}
		c.mu.Lock()
		c.netConn = tlsConn
		c.backend = pgproto3.NewBackend(tlsConn, tlsConn)
		c.mu.Unlock()
		return c.handshake()

	case *pgproto3.GSSEncRequest:
		if _, err := c.netConn.Write([]byte{'N'}); err != nil {
			return err
		}
		return c.handshake()

	case *pgproto3.CancelRequest:
		// Translations are not cancellable; the client just disconnects.
		return io.EOF

	default:
		return fmt.Errorf("unexpected startup message type: %T", msg)
	}
}

// handleQuery translates one simple-protocol query and encodes the reply.
func (c *Conn) handleQuery(ctx context.Context, sql string) []byte {
	if strings.TrimSpace(sql) == "" {
		return readyForQuery((&pgproto3.EmptyQueryResponse{}).Encode(nil))
	}
	if limit := c.l.cfg.MaxBodyBytes; limit > 0 && int64(len(sql)) > limit {
		return readyForQuery(errorResponse(codeProgramLimitExceeded,
			fmt.Sprintf("query exceeds %d bytes", limit)))
	}

	ctx = log.WithRequestID(ctx, uuid.NewString())
	res, err := c.l.svc.Translate(ctx, service.Request{
		Query:      sql,
		ReportName: c.params["application_name"],
		Source:     service.SourcePostgres,
	})
	if err != nil {
		code := codeInternal
		if errors.IsCode(err, errors.ErrCodeMalformedEncoding) {
			code = codeUntranslatable
		}
		return readyForQuery(errorResponse(code, err.Error()))
	}

	buf := (&pgproto3.RowDescription{Fields: []pgproto3.FieldDescription{{
		Name:         []byte(ColumnName),
		DataTypeOID:  textOID,
		DataTypeSize: -1,
		TypeModifier: -1,
		Format:       0,
	}}}).Encode(nil)
	buf = (&pgproto3.DataRow{Values: [][]byte{[]byte(res.Translated)}}).Encode(buf)
	for _, w := range res.Warnings {
		buf = (&pgproto3.NoticeResponse{
			Severity: "WARNING",
			Code:     w.SQLState,
			Message:  w.String(),
		}).Encode(buf)
	}
	buf = (&pgproto3.CommandComplete{CommandTag: []byte("SELECT 1")}).Encode(buf)
	return readyForQuery(buf)
}

func (c *Conn) write(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return io.EOF
	}
	if c.l.cfg.WriteTimeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(c.l.cfg.WriteTimeout))
	}
	_, err := c.netConn.Write(buf)
	return err
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	return c.netConn.Close()
}

// RemoteAddr returns the remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// Helper functions

func errorResponse(code, message string) []byte {
	return (&pgproto3.ErrorResponse{
		Severity: "ERROR",
		Code:     code,
		Message:  message,
	}).Encode(nil)
}

func readyForQuery(buf []byte) []byte {
	return (&pgproto3.ReadyForQuery{TxStatus: 'I'}).Encode(buf)
}
