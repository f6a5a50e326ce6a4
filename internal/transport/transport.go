// Package transport establishes the raw byte pipe an engine is built on:
// TCP, optionally TLS, with the negotiated ALPN protocol read back out.
// Once a Transport is handed to an engine, the engine owns it outright.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"strings"
	"time"
)

// ConnectKind mirrors barehttp.ConnectKind without importing the root
// package (which would create an import cycle).
type ConnectKind int

const (
	KindTimeout ConnectKind = iota
	KindRefused
	KindUnresolvedHost
	KindTLSHandshake
)

// ConnectError is returned by Dial on failure.
type ConnectError struct {
	Kind ConnectKind
	Err  error
}

func (e *ConnectError) Error() string { return "connect: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// Transport is an established, optionally TLS-wrapped byte stream plus the
// negotiated ALPN protocol, if any.
type Transport struct {
	Conn    net.Conn
	ALPN    string // "" means no ALPN happened; callers treat that as h11
	ReadTO  time.Duration
	WriteTO time.Duration
}

// Dial opens a TCP connection to hostport, optionally wrapping it with
// tlsConfig, and reports the negotiated ALPN protocol.
func Dial(ctx context.Context, hostport string, tlsConfig *tls.Config, connectTimeout time.Duration) (*Transport, error) {
	dialer := &net.Dialer{}
	dialCtx := ctx
	var cancel context.CancelFunc
	if connectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	conn, err := dialer.DialContext(dialCtx, "tcp", hostport)
	if err != nil {
		return nil, classifyDialError(err)
	}

	if tlsConfig == nil {
		return &Transport{Conn: conn}, nil
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		conn.Close()
		return nil, &ConnectError{Kind: KindTLSHandshake, Err: err}
	}

	alpn := tlsConn.ConnectionState().NegotiatedProtocol
	return &Transport{Conn: tlsConn, ALPN: alpn}, nil
}

func classifyDialError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectError{Kind: KindTimeout, Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &ConnectError{Kind: KindUnresolvedHost, Err: err}
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return &ConnectError{Kind: KindTimeout, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return &ConnectError{Kind: KindTimeout, Err: err}
		}
		if strings.Contains(err.Error(), "connection refused") {
			return &ConnectError{Kind: KindRefused, Err: err}
		}
	}
	return &ConnectError{Kind: KindRefused, Err: err}
}

// ReadTimeoutError marks a read that exceeded its per-call deadline.
type ReadTimeoutError struct{ Err error }

func (e *ReadTimeoutError) Error() string { return "read timeout: " + e.Err.Error() }
func (e *ReadTimeoutError) Unwrap() error { return e.Err }

// WriteTimeoutError marks a write that exceeded its per-call deadline.
type WriteTimeoutError struct{ Err error }

func (e *WriteTimeoutError) Error() string { return "write timeout: " + e.Err.Error() }
func (e *WriteTimeoutError) Unwrap() error { return e.Err }

// Read reads into p, applying ReadTO as a per-call deadline.
func (t *Transport) Read(p []byte) (int, error) {
	if t.ReadTO > 0 {
		t.Conn.SetReadDeadline(time.Now().Add(t.ReadTO))
	}
	n, err := t.Conn.Read(p)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n, &ReadTimeoutError{Err: err}
	}
	return n, err
}

// Write writes all of p, applying WriteTO as a per-call deadline.
func (t *Transport) Write(p []byte) (int, error) {
	if t.WriteTO > 0 {
		t.Conn.SetWriteDeadline(time.Now().Add(t.WriteTO))
	}
	n, err := t.Conn.Write(p)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n, &WriteTimeoutError{Err: err}
	}
	return n, err
}

// Close releases the underlying connection.
func (t *Transport) Close() error {
	return t.Conn.Close()
}
