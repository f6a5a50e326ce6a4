package barehttp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"

	"github.com/barehttp/barehttp/internal/h1"
	"github.com/barehttp/barehttp/internal/h2"
	"github.com/barehttp/barehttp/internal/requester"
	"github.com/barehttp/barehttp/internal/transport"
	"github.com/barehttp/barehttp/internal/tunnel"
	"github.com/barehttp/barehttp/internal/wire"
	"github.com/barehttp/barehttp/middleware"
)

// Client performs single requests. It owns no session state (no cookie
// jar, no connection reuse across calls); that belongs to Session. Each
// Do opens one connection, drives one request over it, and hands the
// caller a Response whose Close tears the connection down.
type Client struct {
	config      *Config
	middlewares []middleware.Middleware
}

// NewClient returns a Client. A nil config gets DefaultConfig.
func NewClient(config *Config, middlewares ...middleware.Middleware) *Client {
	return &Client{config: withDefaults(config), middlewares: middlewares}
}

// Do sends req and returns the response, running req through the
// configured middleware chain around the wire round trip. Callers should
// defer resp.Close() to release the underlying connection/stream once
// they are done with the body.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	handler := middleware.Chain(c.roundTrip, c.middlewares...)
	mreq := toMiddlewareRequest(req)
	mresp, err := handler(ctx, mreq)
	if err != nil {
		return nil, err
	}
	return toRootResponse(mresp), nil
}

// Get is a convenience wrapper building a Request from a URL.
func (c *Client) Get(ctx context.Context, rawURL string, headers []Header) (*Response, error) {
	req, err := newRequestFromURL(rawURL, "GET", headers, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

func (c *Client) roundTrip(ctx context.Context, mreq *middleware.Request) (*middleware.Response, error) {
	engine, streamHost, streamScheme, streamPath, err := c.connect(ctx, mreq)
	if err != nil {
		return nil, err
	}

	req := requester.New(engine)
	head, err := req.Send(ctx, requester.Options{
		Host:    streamHost,
		Scheme:  streamScheme,
		Path:    streamPath,
		Method:  mreq.Method,
		Headers: toRequesterHeaders(mreq.Headers),
		Body:    mreq.Body,
	})
	if err != nil {
		return nil, translateRequestError(err)
	}

	var body middleware.Body
	if head.Body != nil {
		body = &readerBody{r: head.Body}
	}

	return &middleware.Response{
		URL:     (&Request{Host: mreq.Host, Scheme: mreq.Scheme, Path: mreq.Path}).URL(),
		Status:  head.Status,
		Headers: fromRequesterHeaders(head.Headers),
		Body:    body,
		Closer:  func() error { return req.Close(ctx) },
	}, nil
}

// connect establishes the transport and selects an engine for mreq,
// handling direct connections, plain-proxy absolute-form forwarding, and
// CONNECT tunnels. It returns the host/scheme/path to present to the
// wire engine; only the plain-proxy case alters them, rewriting the
// request target to the absolute form scheme://host[:port]/path.
func (c *Client) connect(ctx context.Context, mreq *middleware.Request) (wire.Engine, string, string, string, error) {
	targetHostport := ensurePort(mreq.Host, mreq.Scheme)

	if c.config.Proxy == "" {
		tr, err := c.dialDirect(ctx, targetHostport, mreq.Scheme)
		if err != nil {
			return nil, "", "", "", err
		}
		c.config.vlogf("barehttp: connected to %s, alpn=%q", targetHostport, tr.ALPN)
		return c.engineFor(tr, mreq.Host, mreq.Scheme), mreq.Host, mreq.Scheme, mreq.Path, nil
	}

	proxyURL, err := url.Parse(c.config.Proxy)
	if err != nil {
		return nil, "", "", "", fmt.Errorf("barehttp: invalid proxy url: %w", err)
	}
	proxyTr, err := c.dialDirect(ctx, ensurePort(proxyURL.Host, proxyURL.Scheme), proxyURL.Scheme)
	if err != nil {
		return nil, "", "", "", err
	}

	if mreq.Scheme != "https" {
		// Plain-HTTP-through-proxy: no CONNECT, just forward the request
		// in absolute-form over the proxy connection.
		absPath := fmt.Sprintf("%s://%s%s", mreq.Scheme, mreq.Host, mreq.Path)
		return c.engineFor(proxyTr, mreq.Host, mreq.Scheme), mreq.Host, mreq.Scheme, absPath, nil
	}

	tlsConfig, err := c.tlsConfigFor(hostOnly(targetHostport))
	if err != nil {
		return nil, "", "", "", err
	}
	tunneled, err := tunnel.Establish(ctx, proxyTr, targetHostport, tlsConfig)
	if err != nil {
		return nil, "", "", "", translateRequestError(err)
	}
	c.config.vlogf("barehttp: tunneled to %s via %s, alpn=%q", targetHostport, proxyURL.Host, tunneled.ALPN)
	return c.engineFor(tunneled, mreq.Host, mreq.Scheme), mreq.Host, mreq.Scheme, mreq.Path, nil
}

func (c *Client) dialDirect(ctx context.Context, hostport, scheme string) (*transport.Transport, error) {
	var tlsConfig *tls.Config
	if scheme == "https" {
		var err error
		tlsConfig, err = c.tlsConfigFor(hostOnly(hostport))
		if err != nil {
			return nil, err
		}
	}
	tr, err := transport.Dial(ctx, hostport, tlsConfig, c.config.ConnectTimeout)
	if err != nil {
		return nil, translateConnectError(err)
	}
	tr.ReadTO = c.config.ReadTimeout
	tr.WriteTO = c.config.WriteTimeout
	return tr, nil
}

// tlsConfigFor builds the TLS client config for serverName: the caller's
// pre-built one when set, otherwise one assembled from the CA*, cipher,
// and version options.
func (c *Client) tlsConfigFor(serverName string) (*tls.Config, error) {
	if c.config.TLSConfig != nil {
		return c.config.TLSConfig, nil
	}
	cfg := &tls.Config{
		ServerName:   serverName,
		NextProtos:   c.config.ALPNProtocols,
		CipherSuites: c.config.CipherSuites,
		MinVersion:   c.config.MinTLSVersion,
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if c.config.CAFile == "" && c.config.CAPath == "" && c.config.CAData == "" {
		return cfg, nil
	}
	pool := x509.NewCertPool()
	if c.config.CAData != "" {
		if !pool.AppendCertsFromPEM([]byte(c.config.CAData)) {
			return nil, errors.New("barehttp: no certificates found in CAData")
		}
	}
	if c.config.CAFile != "" {
		pem, err := os.ReadFile(c.config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("barehttp: read CAFile: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("barehttp: no certificates found in %s", c.config.CAFile)
		}
	}
	if c.config.CAPath != "" {
		entries, err := os.ReadDir(c.config.CAPath)
		if err != nil {
			return nil, fmt.Errorf("barehttp: read CAPath: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			pem, err := os.ReadFile(filepath.Join(c.config.CAPath, entry.Name()))
			if err != nil {
				return nil, fmt.Errorf("barehttp: read CAPath entry: %w", err)
			}
			pool.AppendCertsFromPEM(pem)
		}
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func (c *Client) engineFor(tr *transport.Transport, host, scheme string) wire.Engine {
	if tr.ALPN == "h2" {
		return h2.NewEngine(tr, host, scheme, c.config.MaxConcurrentStreams, c.config.MaxHeaderListSize)
	}
	return h1.New(tr, c.config.H1Bufsiz)
}

func ensurePort(hostport, scheme string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	if scheme == "https" {
		return net.JoinHostPort(hostport, "443")
	}
	return net.JoinHostPort(hostport, "80")
}

func hostOnly(hostport string) string {
	h, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return h
}

// translateRequestError rewrites errors from the internal packages (which
// cannot import this one) into the public taxonomy.
func translateRequestError(err error) error {
	if err == nil {
		return nil
	}
	var sd *requester.ServerDisconnectedError
	if errors.As(err, &sd) {
		return &ServerDisconnectedError{Msg: sd.Msg}
	}
	var pe *requester.ProtocolError
	if errors.As(err, &pe) {
		return &ProtocolError{Msg: pe.Msg}
	}
	var h1pe *h1.ProtocolError
	if errors.As(err, &h1pe) {
		return &ProtocolError{Msg: h1pe.Msg}
	}
	var h2ce h2.ConnectionError
	if errors.As(err, &h2ce) {
		return &ProtocolError{Msg: h2ce.Error()}
	}
	var px *tunnel.ProxyError
	if errors.As(err, &px) {
		return &ProxyError{Status: px.Status}
	}
	// Timeouts are checked before the h2 transport wrapper: a timed-out
	// write surfaces wrapped, and the more specific kind wins.
	var rt *transport.ReadTimeoutError
	if errors.As(err, &rt) {
		return &ReadTimeoutError{Err: rt.Err}
	}
	var wt *transport.WriteTimeoutError
	if errors.As(err, &wt) {
		return &WriteTimeoutError{Err: wt.Err}
	}
	var h2te *h2.TransportError
	if errors.As(err, &h2te) {
		return &ServerDisconnectedError{Msg: h2te.Err.Error()}
	}
	return err
}

func translateConnectError(err error) error {
	var ce *transport.ConnectError
	if as, ok := err.(*transport.ConnectError); ok {
		ce = as
	}
	if ce == nil {
		return err
	}
	kind := map[transport.ConnectKind]ConnectKind{
		transport.KindTimeout:        ConnectTimeout,
		transport.KindRefused:        ConnectRefused,
		transport.KindUnresolvedHost: ConnectUnresolvedHost,
		transport.KindTLSHandshake:   ConnectTLSHandshake,
	}[ce.Kind]
	return &ConnectError{Kind: kind, Err: ce.Err}
}

func toMiddlewareRequest(req *Request) *middleware.Request {
	return &middleware.Request{
		Host:    req.Host,
		Scheme:  req.Scheme,
		Path:    req.Path,
		Method:  req.Method,
		Headers: toMiddlewareHeaders(req.Headers),
		Body:    req.Body,
	}
}

func toRootResponse(resp *middleware.Response) *Response {
	return &Response{
		URL:     resp.URL,
		Status:  resp.Status,
		Headers: fromMiddlewareHeaders(resp.Headers),
		Body:    resp.Body,
		closer:  resp.Closer,
	}
}

func toMiddlewareHeaders(headers []Header) []middleware.Header {
	out := make([]middleware.Header, len(headers))
	for i, h := range headers {
		out[i] = middleware.Header{Name: h.Name, Value: h.Value}
	}
	return out
}

func fromMiddlewareHeaders(headers []middleware.Header) []Header {
	out := make([]Header, len(headers))
	for i, h := range headers {
		out[i] = Header{Name: h.Name, Value: h.Value}
	}
	return out
}

func toRequesterHeaders(headers []middleware.Header) []requester.Header {
	out := make([]requester.Header, len(headers))
	for i, h := range headers {
		out[i] = requester.Header{Name: h.Name, Value: h.Value}
	}
	return out
}

func fromRequesterHeaders(headers []requester.Header) []middleware.Header {
	out := make([]middleware.Header, len(headers))
	for i, h := range headers {
		out[i] = middleware.Header{Name: h.Name, Value: h.Value}
	}
	return out
}

// readerBody adapts an io.Reader (the requester's Head.Body) back into the
// pull-based Body shape the root package and middleware package share.
type readerBody struct {
	r   io.Reader
	buf [8192]byte
}

func (b *readerBody) Next() ([]byte, error) {
	n, err := b.r.Read(b.buf[:])
	var chunk []byte
	if n > 0 {
		chunk = append([]byte(nil), b.buf[:n]...)
	}
	if err != nil && err != io.EOF {
		err = translateRequestError(err)
	}
	return chunk, err
}
