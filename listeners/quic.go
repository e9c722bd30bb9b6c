// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

// ErrTLSRequired indicates a quic listener was configured without tls.
var ErrTLSRequired = errors.New("tls configuration is required for quic")

// QUIC is a listener for establishing client connections over quic. Each
// quic connection carries one mqtt session on its first bidirectional stream.
type QUIC struct {
	sync.RWMutex
	id      string             // the internal id of the listener
	address string             // the network address to bind to
	config  Config             // configuration values for the listener
	listen  *quic.Listener     // the quic listener
	log     *slog.Logger       // server logger
	ctx     context.Context    // cancelled when the listener closes
	cancel  context.CancelFunc // cancels ctx
	end     uint32             // ensure the close methods are only called once
}

// NewQUIC initialises and returns a new QUIC listener, listening on an address.
func NewQUIC(config Config) *QUIC {
	ctx, cancel := context.WithCancel(context.Background())
	return &QUIC{
		id:      config.ID,
		address: config.Address,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ID returns the id of the listener.
func (l *QUIC) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *QUIC) Address() string {
	if l.listen != nil {
		return l.listen.Addr().String()
	}
	return l.address
}

// Protocol returns the address of the listener.
func (l *QUIC) Protocol() string {
	return "quic"
}

// Init initializes the listener. Quic requires tls 1.3, and the mqtt alpn is
// used if none is configured.
func (l *QUIC) Init(log *slog.Logger) error {
	l.log = log

	if l.config.TLSConfig == nil {
		return ErrTLSRequired
	}

	tlsConfig := l.config.TLSConfig.Clone()
	if tlsConfig.MinVersion < tls.VersionTLS13 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}

	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{"mqtt"}
	}

	var err error
	l.listen, err = quic.ListenAddr(l.address, tlsConfig, nil)
	return err
}

// Serve starts waiting for new quic connections, and calls the establish
// connection callback for the first stream of each.
func (l *QUIC) Serve(establish EstablishFn) {
	for {
		if atomic.LoadUint32(&l.end) == 1 {
			return
		}

		conn, err := l.listen.Accept(l.ctx)
		if err != nil {
			return
		}

		if atomic.LoadUint32(&l.end) == 0 {
			go l.establish(conn, establish)
		}
	}
}

// establish accepts the first stream of a quic connection and hands it to the
// server as a net.Conn.
func (l *QUIC) establish(conn *quic.Conn, establish EstablishFn) {
	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return
	}

	err = establish(l.id, &quicConn{conn: conn, stream: stream})
	if err != nil {
		l.log.Warn("", "error", err)
	}
}

// Close closes the listener and any client connections.
func (l *QUIC) Close(closeClients CloseFn) {
	l.Lock()
	defer l.Unlock()

	if atomic.CompareAndSwapUint32(&l.end, 0, 1) {
		closeClients(l.id)
		l.cancel()
	}

	if l.listen != nil {
		_ = l.listen.Close()
	}
}

// quicConn is a quic stream which satisfies the net.Conn interface.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	mu     sync.Mutex
}

// Read reads data from the quic stream.
func (c *quicConn) Read(b []byte) (int, error) {
	return c.stream.Read(b)
}

// Write writes data to the quic stream.
func (c *quicConn) Write(b []byte) (int, error) {
	return c.stream.Write(b)
}

// Close closes the quic stream and connection.
func (c *quicConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "")
}

// LocalAddr returns the local network address.
func (c *quicConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines.
func (c *quicConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *quicConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *quicConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}

// ConnectionState returns the tls state of the quic connection.
func (c *quicConn) ConnectionState() tls.ConnectionState {
	return c.conn.ConnectionState().TLS
}
