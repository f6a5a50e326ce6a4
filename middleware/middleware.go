// Package middleware implements the request/response wrapping chain: a
// Middleware wraps a Handler to add behavior around it, one cross-cutting
// concern per middleware, composed outermost-first.
//
// Request/Response/Header/Body are declared here, independently of the
// root package's identically-shaped types, because the root package's
// Client imports middleware to build its chain; middleware importing the
// root package back would be a cycle. Client is the adapter at that
// boundary.
package middleware

import "context"

// Header is a single wire header, order-preserving like the root package's.
type Header struct {
	Name  []byte
	Value []byte
}

// Body is a single-pass source of byte chunks, mirroring the root
// package's Body interface.
type Body interface {
	Next() ([]byte, error)
}

// Request is the middleware chain's view of an outbound request.
type Request struct {
	Host    string
	Scheme  string
	Path    string
	Method  string
	Headers []Header
	Body    Body
}

// WithHeader returns a shallow copy of req with an additional header,
// never mutating the caller's slice in place.
func (r *Request) WithHeader(name, value []byte) *Request {
	clone := *r
	clone.Headers = append(append([]Header(nil), r.Headers...), Header{Name: name, Value: value})
	return &clone
}

// Response is the middleware chain's view of a received response.
type Response struct {
	URL     string
	Status  int
	Headers []Header
	Body    Body

	// Closer, when non-nil, ends the request cycle that produced this
	// response, emitting Disconnect to the engine. Set by
	// the terminal handler; middleware that wraps Body (e.g. to
	// decompress it) should leave Closer untouched so the original
	// cycle still gets closed regardless of how the body was wrapped.
	Closer func() error
}

// Handler performs one request and returns its response. The terminal
// handler in a chain is the one the orchestrator supplies that actually
// drives the wire engine; every Middleware wraps a Handler to produce
// another Handler.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps a Handler to add behavior before the request is sent,
// after the response is received, or both.
type Middleware func(next Handler) Handler

// Chain composes middlewares around terminal so that the first middleware
// in the list is the outermost: it sees the request before any other
// middleware and the response after every other middleware has seen it.
// Handlers fold from the inside out, preserving the caller's given order
// as the outermost-first reading order.
func Chain(terminal Handler, middlewares ...Middleware) Handler {
	handler := terminal
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}
