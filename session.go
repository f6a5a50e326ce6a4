package barehttp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/barehttp/barehttp/cookiejar"
	"github.com/barehttp/barehttp/middleware"
)

// Session is a fixed (scheme, host, port) target plus a persistent
// cookie jar shared across every Request call. Unlike Client, which owns
// no state across calls, Session owns the jar and performs the
// gather/extract pair around every request.
//
// Session does not pool or reuse connections across calls; each Request
// opens and tears down its own connection the same way Client.Do does.
type Session struct {
	scheme string
	host   string // "host[:port]"

	client *Client
	jar    *cookiejar.Jar
}

// NewSession returns a Session targeting scheme://host[:port]. port == 0
// means "use the scheme's default port", left to the Client's ensurePort
// handling rather than hard-coded here.
func NewSession(scheme, host string, port int, config *Config, middlewares ...middleware.Middleware) *Session {
	hostport := host
	if port != 0 {
		hostport = net.JoinHostPort(host, fmt.Sprintf("%d", port))
	}
	return &Session{
		scheme: scheme,
		host:   hostport,
		client: NewClient(config, middlewares...),
		jar:    cookiejar.New(),
	}
}

// Jar returns the session's cookie jar, for callers that want to inspect
// or seed it directly rather than only through Request's gather/extract.
func (s *Session) Jar() *cookiejar.Jar { return s.jar }

// Request performs one request against path on the session's target,
// gathering any applicable cached cookies into a Cookie header beforehand
// and extracting any Set-Cookie response headers into the jar afterward.
// Concurrent Request calls on the same Session each take their own
// gather/extract snapshot; cookiejar.Jar serializes internally.
func (s *Session) Request(ctx context.Context, path string, method string, headers []Header, body Body) (*Response, error) {
	if method == "" {
		method = "GET"
	}

	reqHeaders := append([]Header(nil), headers...)
	if cookie := s.jar.Gather(s.scheme, hostOnly(s.host), path, time.Now()); cookie != nil {
		reqHeaders = append(reqHeaders, Header{Name: []byte("cookie"), Value: cookie})
	}

	req := &Request{
		Host:    s.host,
		Scheme:  s.scheme,
		Path:    path,
		Method:  method,
		Headers: reqHeaders,
		Body:    body,
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	s.jar.Extract(toCookiejarHeaders(resp.Headers), time.Now())
	return resp, nil
}

// Get is a convenience wrapper around Request for the common no-body case.
func (s *Session) Get(ctx context.Context, path string, headers []Header) (*Response, error) {
	return s.Request(ctx, path, "GET", headers, nil)
}

func toCookiejarHeaders(headers []Header) []cookiejar.Header {
	out := make([]cookiejar.Header, len(headers))
	for i, h := range headers {
		out[i] = cookiejar.Header{Name: h.Name, Value: h.Value}
	}
	return out
}
