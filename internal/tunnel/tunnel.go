// Package tunnel establishes a CONNECT tunnel through an HTTP proxy:
// issue CONNECT with the Host header carrying only the target hostname
// (the request target carries the port), await a 2xx, then re-run the
// TLS handshake and ALPN probe over the same socket.
package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/barehttp/barehttp/internal/h1"
	"github.com/barehttp/barehttp/internal/transport"
	"github.com/barehttp/barehttp/internal/wire"
)

// ProxyError mirrors the root package's identically named type, duplicated
// here to avoid importing the root package.
type ProxyError struct{ Status int }

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy refused CONNECT with status %d", e.Status)
}

// Establish issues CONNECT targetHost (host, or host:port) through
// proxyTransport and, on success, re-handshakes TLS (when tlsConfig is
// non-nil) over the same socket, returning a fresh Transport with ALPN
// re-probed. When tlsConfig is nil the tunneled connection is plaintext
// and proxyTransport itself, repurposed, is returned.
func Establish(ctx context.Context, proxyTransport *transport.Transport, targetHost string, tlsConfig *tls.Config) (*transport.Transport, error) {
	hostname, port := splitHostPort(targetHost, tlsConfig != nil)
	path := fmt.Sprintf("%s:%d", hostname, port)

	engine := h1.New(proxyTransport, 0)

	err := engine.Send(ctx, wire.Request{
		Host:     hostname,
		Scheme:   "http",
		Path:     path,
		Method:   "CONNECT",
		Headers:  []wire.Header{{Name: []byte("host"), Value: []byte(hostname)}},
		Body:     nil,
		MoreBody: false,
	})
	if err != nil {
		return nil, err
	}

	if _, err := engine.Receive(ctx); err != nil { // ResponseConnection
		return nil, err
	}
	msg, err := engine.Receive(ctx)
	if err != nil {
		return nil, err
	}
	resp, ok := msg.(wire.Response)
	if !ok {
		return nil, fmt.Errorf("tunnel: unexpected message %T from proxy", msg)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, &ProxyError{Status: resp.Status}
	}

	if tlsConfig == nil {
		return proxyTransport, nil
	}

	// Note: the CONNECT response's h1 engine reads through a buffered
	// reader; a proxy that pipelines TLS ClientHello bytes immediately
	// after its response (rather than waiting, as every proxy in practice
	// does) could have its first handshake bytes stranded in that buffer.
	// Treated as an accepted limitation rather than engineered around.
	tlsConn := tls.Client(proxyTransport.Conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}

	return &transport.Transport{
		Conn:    tlsConn,
		ALPN:    tlsConn.ConnectionState().NegotiatedProtocol,
		ReadTO:  proxyTransport.ReadTO,
		WriteTO: proxyTransport.WriteTO,
	}, nil
}

func splitHostPort(hostport string, useTLSPort bool) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
		if useTLSPort {
			return host, 443
		}
		return host, 80
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		if useTLSPort {
			port = 443
		} else {
			port = 80
		}
	}
	return host, port
}
