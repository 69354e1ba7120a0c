// Package listener provides the net.Listener wrappers the edge serves on: one that accepts TLS and
// plain HTTP on the same port, and one that survives per-connection accept failures.
package listener

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// DefaultSniffTimeout bounds how long a new connection may stay silent before it is dropped.
const DefaultSniffTimeout = 10 * time.Second

// bufferedConn replays the sniffed bytes before reading from the connection.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// ProtocolMuxListener serves TLS and plain HTTP on one port. The first bytes of every connection
// are sniffed: a TLS record header starts a handshake, anything else is handed over untouched.
type ProtocolMuxListener struct {
	net.Listener
	TLSConfig    *tls.Config
	SniffTimeout time.Duration
}

// NewProtocolMuxListener wraps l. A nil tlsConfig disables detection and every connection is plain.
func NewProtocolMuxListener(l net.Listener, tlsConfig *tls.Config) *ProtocolMuxListener {
	return &ProtocolMuxListener{
		Listener:     l,
		TLSConfig:    tlsConfig,
		SniffTimeout: DefaultSniffTimeout,
	}
}

// Accept returns the next connection, already past the TLS handshake when it speaks TLS.
func (l *ProtocolMuxListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, fmt.Errorf("accepting connection: %w", err)
	}
	if l.TLSConfig == nil {
		return conn, nil
	}

	reader := bufio.NewReader(conn)
	header, err := l.sniff(conn, reader)
	if err != nil {
		conn.Close()
		return nil, err
	}

	wrapped := &bufferedConn{Conn: conn, r: reader}
	if !isTLSRecord(header) {
		return wrapped, nil
	}
	return l.handshake(conn, wrapped)
}

// sniff peeks at the record header without consuming it.
func (l *ProtocolMuxListener) sniff(conn net.Conn, reader *bufio.Reader) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(l.SniffTimeout)); err != nil {
		return nil, fmt.Errorf("setting sniff deadline: %w", err)
	}
	header, peekErr := reader.Peek(5)
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clearing sniff deadline: %w", err)
	}
	if peekErr != nil && !errors.Is(peekErr, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("sniffing protocol: %w", peekErr)
	}
	return header, nil
}

func (l *ProtocolMuxListener) handshake(raw net.Conn, wrapped net.Conn) (net.Conn, error) {
	tlsConn := tls.Server(wrapped, l.TLSConfig)
	if err := raw.SetReadDeadline(time.Now().Add(l.SniffTimeout)); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("setting handshake deadline: %w", err)
	}
	if err := tlsConn.Handshake(); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	if err := raw.SetReadDeadline(time.Time{}); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("clearing handshake deadline: %w", err)
	}
	return tlsConn, nil
}

// isTLSRecord reports whether header starts a TLS handshake record.
func isTLSRecord(header []byte) bool {
	return len(header) >= 2 && header[0] == 0x16 && header[1] == 0x03
}

// ResilientListener keeps accepting after a connection fails to set up. Only a closed listener
// ends the accept loop; other errors are logged and counted.
type ResilientListener struct {
	net.Listener
	logger   *slog.Logger
	rejected atomic.Int64
}

// NewResilientListener wraps l. A nil logger discards the rejection log.
func NewResilientListener(l net.Listener, logger *slog.Logger) *ResilientListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ResilientListener{Listener: l, logger: logger}
}

func (l *ResilientListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, err
		}
		l.rejected.Add(1)
		l.logger.Warn("connection rejected", "error", err)
	}
}

// Rejected returns how many connections failed to set up.
func (l *ResilientListener) Rejected() int64 {
	return l.rejected.Load()
}
