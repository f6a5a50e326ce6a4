package h2

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/barehttp/barehttp/internal/wire"
)

// Engine implements wire.Engine for a single HTTP/2 stream, backed by a
// shared Conn. The orchestrator opens one Conn (and therefore one stream)
// per request, but Conn itself supports many concurrent streams, so
// nothing here prevents a caller from sharing one Conn across several
// Engines.
type Engine struct {
	conn   *Conn
	host   string
	scheme string

	stream *stream
	connCh chan wire.Message
}

// NewEngine returns a new H2 engine over rw. host and scheme populate the
// :authority and :scheme pseudo-headers for requests sent through it.
func NewEngine(rw RWCloser, host, scheme string, maxConcurrentStreams, maxHeaderListSize uint32) *Engine {
	return &Engine{
		conn:   NewConn(rw, maxConcurrentStreams, maxHeaderListSize),
		host:   host,
		scheme: scheme,
		connCh: make(chan wire.Message, 1),
	}
}

var _ wire.Engine = (*Engine)(nil)

// Send implements wire.Engine.
func (e *Engine) Send(ctx context.Context, msg wire.Message) error {
	switch m := msg.(type) {
	case wire.Request:
		return e.sendRequest(m)
	case wire.RequestBody:
		if e.stream == nil {
			return fmt.Errorf("h2: request body sent before request")
		}
		return e.conn.sendData(e.stream, m.Body, m.MoreBody)
	case wire.Disconnect:
		if e.stream == nil {
			return nil
		}
		return e.conn.closeStream(e.stream.id)
	default:
		return fmt.Errorf("h2: unsupported message %T", msg)
	}
}

func (e *Engine) sendRequest(m wire.Request) error {
	fields := make([]headerField, 0, len(m.Headers))
	for _, h := range m.Headers {
		if !httpguts.ValidHeaderFieldName(string(h.Name)) || !httpguts.ValidHeaderFieldValue(string(h.Value)) {
			return fmt.Errorf("h2: invalid header %q", h.Name)
		}
		fields = append(fields, headerField{
			name:  strings.ToLower(string(h.Name)),
			value: string(h.Value),
		})
	}

	host := e.host
	scheme := e.scheme
	if host == "" {
		host = m.Host
	}
	if scheme == "" {
		scheme = m.Scheme
	}

	st, err := e.conn.openStream(host, scheme, m.Path, m.Method, fields, m.Body, m.MoreBody)
	if err != nil {
		return err
	}
	e.stream = st

	// ResponseConnection is observable as soon as the stream is open,
	// before any response data has arrived.
	e.connCh <- wire.ResponseConnection{HTTPVersion: wire.HTTP2, StreamID: int(st.id)}
	return nil
}

// Receive implements wire.Engine.
func (e *Engine) Receive(ctx context.Context) (wire.Message, error) {
	if e.stream == nil {
		return nil, fmt.Errorf("h2: receive before request sent")
	}

	// ResponseConnection must win the race against an already-queued
	// stream event, or a fast server's Response could be delivered first.
	select {
	case m := <-e.connCh:
		return m, nil
	default:
	}

	select {
	case m := <-e.connCh:
		return m, nil
	case ev := <-e.stream.events:
		return e.translate(ev)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) translate(ev any) (wire.Message, error) {
	switch v := ev.(type) {
	case responseReceivedEvent:
		hdrs := make([]wire.Header, 0, len(v.headers))
		for _, f := range v.headers {
			hdrs = append(hdrs, wire.Header{Name: []byte(f.name), Value: []byte(f.value)})
		}
		return wire.Response{
			Status:      v.status,
			Headers:     hdrs,
			MoreBody:    !v.streamEnded,
			StreamID:    int(e.stream.id),
			HTTPVersion: wire.HTTP2,
		}, nil
	case dataReceivedEvent:
		return wire.ResponseBody{
			Body:     v.data,
			MoreBody: !v.streamEnded,
			StreamID: int(e.stream.id),
		}, nil
	case streamResetEvent:
		return wire.Disconnect{StreamID: int(e.stream.id)}, nil
	default:
		if cerr := e.conn.connErrOrNil(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("h2: unrecognized stream event %T", ev)
	}
}
