package barehttp

import (
	"fmt"
	"net/url"
)

// Header is a single wire header as a lowercase name/value byte pair, in the
// order it was set. Unlike net/http.Header this is not a map: order is part
// of the contract with the H1/H2 engines, and duplicate names are legal.
type Header struct {
	Name  []byte
	Value []byte
}

// Body is a single-pass, cancellable source of byte chunks. A Body must
// never be read from concurrently and must never be restarted once any
// chunk has been pulled from it.
type Body interface {
	// Next returns the next chunk of the body. It returns io.EOF itself
	// once the body is exhausted; consumers compare with ==, so a wrapped
	// io.EOF is treated as a read failure. Implementations may return a
	// zero-length chunk with a nil error only if more data may still
	// follow.
	Next() ([]byte, error)
}

// BodyFunc adapts a function into a Body.
type BodyFunc func() ([]byte, error)

// Next implements Body.
func (f BodyFunc) Next() ([]byte, error) { return f() }

// Request is the immutable (to middleware, except by replacement) outbound
// message the orchestrator builds from the caller's intent.
type Request struct {
	Host    string // "<host>[:<port>]"
	Scheme  string // "http" or "https"
	Path    string
	Method  string
	Headers []Header
	Body    Body // nil when there is no request body
}

// URL reconstructs the originating request URL, used only for error
// reporting and response bookkeeping, never reparsed.
func (r *Request) URL() string {
	return fmt.Sprintf("%s://%s%s", r.Scheme, r.Host, r.Path)
}

// WithHeader returns a shallow copy of the request with header appended.
// Middleware uses this (or direct field replacement) rather than mutating
// a shared Headers slice in place.
func (r *Request) WithHeader(name, value []byte) *Request {
	clone := *r
	clone.Headers = append(append([]Header(nil), r.Headers...), Header{Name: name, Value: value})
	return &clone
}

// newRequestFromURL parses rawURL and builds the host/scheme/path triple a
// Request needs. It is a thin convenience used by Client/Session; the
// parsing itself is net/url's.
func newRequestFromURL(rawURL, method string, headers []Header, body Body) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("no hostname in url: %s", rawURL)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		path += "#" + u.Fragment
	}
	return &Request{
		Host:    u.Host,
		Scheme:  u.Scheme,
		Path:    path,
		Method:  method,
		Headers: headers,
		Body:    body,
	}, nil
}
