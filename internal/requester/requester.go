// Package requester drives one request/response cycle over a wire.Engine:
// header enrichment, the one-chunk-ahead body adapter that lets the engine
// learn each chunk's more-body flag before it frames it, and translation
// of the engine's message stream into a single head-then-body call shape.
package requester

import (
	"context"
	"fmt"
	"io"

	"github.com/barehttp/barehttp/internal/wire"
)

// UserAgent is the default user-agent header value.
const UserAgent = "barehttp"

// Header is requester's own header pair, kept separate from wire.Header and
// the root package's Header to avoid importing either (the root package
// imports this one).
type Header struct {
	Name  []byte
	Value []byte
}

// BodySource is a single-pass source of request body chunks, matching the
// shape of the root package's Body interface without importing it.
type BodySource interface {
	Next() ([]byte, error)
}

// Options describes one request cycle.
type Options struct {
	Host, Scheme, Path, Method string
	Headers                    []Header
	Body                       BodySource
}

// ServerDisconnectedError means the peer closed the connection before a
// terminal response event arrived. Duplicated (rather than imported) from
// the root package's identically-named type to avoid an import cycle.
type ServerDisconnectedError struct{ Msg string }

func (e *ServerDisconnectedError) Error() string { return "server disconnected: " + e.Msg }

// ProtocolError mirrors the root package's type of the same name.
type ProtocolError struct{ Msg string }

func (e *ProtocolError) Error() string { return "protocol error: " + e.Msg }

// Head is the response head: status and headers, with a Body reader for
// the payload when one follows.
type Head struct {
	Status  int
	Headers []Header
	Body    io.Reader // nil when there is no body; really a *bodyReader
}

// Requester drives a single request/response cycle over engine.
type Requester struct {
	engine   wire.Engine
	streamID int
}

// New returns a Requester bound to engine.
func New(engine wire.Engine) *Requester {
	return &Requester{engine: engine, streamID: wire.NoStream}
}

func enrichHeaders(opts Options) []Header {
	headers := append([]Header(nil), opts.Headers...)
	if !headerFind(headers, "user-agent") {
		headers = append(headers, Header{Name: []byte("user-agent"), Value: []byte(UserAgent)})
	}
	if !headerFind(headers, "host") {
		headers = append(headers, Header{Name: []byte("host"), Value: []byte(opts.Host)})
	}
	if opts.Body != nil && !headerFind(headers, "content-length") && !headerFind(headers, "transfer-encoding") {
		headers = append(headers, Header{Name: []byte("transfer-encoding"), Value: []byte("chunked")})
	}
	return headers
}

func headerFind(headers []Header, name string) bool {
	for _, h := range headers {
		if string(h.Name) == name {
			return true
		}
	}
	return false
}

// bodyChunk is one element of the one-chunk-ahead body writer sequence.
type bodyChunk struct {
	body     []byte
	moreBody bool
}

// bodyWriter turns a BodySource into a lazy sequence of (chunk, moreBody)
// pairs, always reading one chunk ahead so that the chunk it yields
// already carries the correct more-body flag. An H1/H2 framer needs that
// flag before it can write the chunk: a chunked terminator, or the
// END_STREAM flag, must accompany the final chunk rather than follow it.
// A nil source yields exactly one (nil, false) pair.
type bodyWriter struct {
	src       BodySource
	ahead     []byte
	aheadOK   bool
	exhausted bool
}

func newBodyWriter(src BodySource) *bodyWriter {
	return &bodyWriter{src: src}
}

// fill pulls the next non-empty chunk into ahead, skipping zero-length
// interim chunks, and marks the source exhausted at EOF.
func (w *bodyWriter) fill() error {
	if w.aheadOK || w.exhausted {
		return nil
	}
	for {
		chunk, err := w.src.Next()
		if err != nil && err != io.EOF {
			return err
		}
		if len(chunk) > 0 {
			w.ahead, w.aheadOK = chunk, true
			if err == io.EOF {
				w.exhausted = true
			}
			return nil
		}
		if err == io.EOF {
			w.exhausted = true
			return nil
		}
	}
}

// next returns the next pair. The pair with moreBody == false is the
// last; next must not be called again after it.
func (w *bodyWriter) next() (bodyChunk, error) {
	if w.src == nil {
		return bodyChunk{body: nil, moreBody: false}, nil
	}
	if err := w.fill(); err != nil {
		return bodyChunk{}, err
	}
	if !w.aheadOK {
		return bodyChunk{body: nil, moreBody: false}, nil
	}
	cur := w.ahead
	w.ahead, w.aheadOK = nil, false
	if err := w.fill(); err != nil {
		return bodyChunk{}, err
	}
	return bodyChunk{body: cur, moreBody: w.aheadOK}, nil
}

// Send writes the request (headers, enrichment, and every body chunk) and
// returns once the response head has arrived.
func (r *Requester) Send(ctx context.Context, opts Options) (*Head, error) {
	headers := enrichHeaders(opts)
	bw := newBodyWriter(opts.Body)
	first, err := bw.next()
	if err != nil {
		return nil, err
	}

	wireHeaders := make([]wire.Header, len(headers))
	for i, h := range headers {
		wireHeaders[i] = wire.Header{Name: h.Name, Value: h.Value}
	}

	if err := r.engine.Send(ctx, wire.Request{
		Host:     opts.Host,
		Scheme:   opts.Scheme,
		Path:     opts.Path,
		Method:   opts.Method,
		Headers:  wireHeaders,
		Body:     first.body,
		MoreBody: first.moreBody,
	}); err != nil {
		return nil, err
	}

	msg, err := r.engine.Receive(ctx)
	if err != nil {
		return nil, err
	}
	conn, ok := msg.(wire.ResponseConnection)
	if !ok {
		return nil, &ProtocolError{Msg: fmt.Sprintf("expected ResponseConnection, got %T", msg)}
	}
	r.streamID = conn.StreamID

	for more := first.moreBody; more; {
		c, err := bw.next()
		if err != nil {
			return nil, err
		}
		if err := r.engine.Send(ctx, wire.RequestBody{
			Body:     c.body,
			MoreBody: c.moreBody,
			StreamID: r.streamID,
		}); err != nil {
			return nil, err
		}
		more = c.moreBody
	}

	return r.receiveHead(ctx)
}

func (r *Requester) receiveHead(ctx context.Context) (*Head, error) {
	msg, err := r.engine.Receive(ctx)
	if err != nil {
		return nil, err
	}
	switch v := msg.(type) {
	case wire.Disconnect:
		return nil, &ServerDisconnectedError{Msg: "before response head"}
	case wire.Response:
		headers := make([]Header, len(v.Headers))
		for i, h := range v.Headers {
			headers[i] = Header{Name: h.Name, Value: h.Value}
		}
		var body io.Reader
		if v.MoreBody {
			body = &bodyReader{r: r, ctx: ctx, moreBody: true}
		}
		return &Head{Status: v.Status, Headers: headers, Body: body}, nil
	default:
		return nil, &ProtocolError{Msg: fmt.Sprintf("unexpected message %T awaiting response head", v)}
	}
}

// bodyReader streams ResponseBody messages as an io.Reader. A Disconnect
// mid-body means the server went away; any other message variant here is
// a protocol violation.
type bodyReader struct {
	r        *Requester
	ctx      context.Context
	moreBody bool
	pending  []byte
}

func (b *bodyReader) Read(p []byte) (int, error) {
	for len(b.pending) == 0 {
		if !b.moreBody {
			return 0, io.EOF
		}
		msg, err := b.r.engine.Receive(b.ctx)
		if err != nil {
			return 0, err
		}
		switch v := msg.(type) {
		case wire.Disconnect:
			return 0, &ServerDisconnectedError{Msg: "mid-body"}
		case wire.ResponseBody:
			b.pending = v.Body
			b.moreBody = v.MoreBody
		default:
			return 0, &ProtocolError{Msg: fmt.Sprintf("unexpected message %T mid-body", v)}
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

// Close ends the request cycle. The stream id on the Disconnect message
// is always the sentinel: an H2 engine value is bound to exactly one
// stream, so it closes that stream regardless of what StreamID is
// requested here.
func (r *Requester) Close(ctx context.Context) error {
	return r.engine.Send(ctx, wire.Disconnect{StreamID: wire.NoStream})
}
