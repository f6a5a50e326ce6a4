// Package h1 drives a single-cycle HTTP/1.1 state machine: idle ->
// send-headers -> send-body -> recv-status -> recv-headers -> recv-body
// -> done/closed, exactly one in-flight request at a time, with a reader
// goroutine running concurrently with the body sender so a response can
// arrive while the request body is still streaming. The wire framing is
// built directly on net/textproto, the same low-level header reader
// net/http itself is built on.
package h1

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http/httpguts"

	"github.com/barehttp/barehttp/internal/wire"
)

type cycleState int

const (
	stateIdle cycleState = iota
	stateSendingBody
	stateAwaitingResponse
	stateStreamingBody
	stateDone
	stateClosed
)

// Conn is the byte-level dependency the H1 engine needs: a reader/writer
// pair plus the ability to close, matching transport.Transport's surface
// without importing it (keeping h1 testable against net.Pipe directly).
type Conn interface {
	io.Reader
	io.Writer
	Close() error
}

// Engine implements wire.Engine for HTTP/1.1.
type Engine struct {
	conn   Conn
	br     *bufio.Reader
	bufsiz int

	mu    sync.Mutex
	state cycleState

	connCh   chan wire.Message
	events   chan wire.Message
	errCh    chan error
	closedCh chan struct{} // closed once the user disconnects

	chunkedOut    bool
	contentLenOut int64
	wroteOut      int64

	closeAfterResponse bool
}

// New returns a new H1 engine over conn, reading in bufsiz chunks.
func New(conn Conn, bufsiz int) *Engine {
	if bufsiz <= 0 {
		bufsiz = 8192
	}
	return &Engine{
		conn:   conn,
		br:     bufio.NewReaderSize(conn, bufsiz),
		bufsiz: bufsiz,
		state:  stateIdle,
		connCh:   make(chan wire.Message, 1),
		events:   make(chan wire.Message),
		errCh:    make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

var _ wire.Engine = (*Engine)(nil)

// Send implements wire.Engine.
func (e *Engine) Send(ctx context.Context, msg wire.Message) error {
	switch m := msg.(type) {
	case wire.Request:
		return e.sendRequest(ctx, m)
	case wire.RequestBody:
		return e.sendData(m.Body, m.MoreBody)
	case wire.Disconnect:
		return e.disconnect()
	default:
		return fmt.Errorf("h1: unsupported message %T", msg)
	}
}

// Receive implements wire.Engine. It delivers ResponseConnection, then
// Response, then a sequence of ResponseBody (or a Disconnect on a
// mid-body close). All reader-goroutine messages flow through one
// unbuffered events channel, so their relative order can never be
// reshuffled by select; ResponseConnection is written synchronously
// during Send, before the reader goroutine starts, and the non-blocking
// first select keeps it ahead of any event that arrived since.
func (e *Engine) Receive(ctx context.Context) (wire.Message, error) {
	select {
	case m := <-e.connCh:
		return m, nil
	default:
	}

	select {
	case m := <-e.connCh:
		return m, nil
	case m := <-e.events:
		return m, nil
	case err := <-e.errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) sendRequest(ctx context.Context, m wire.Request) error {
	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		return errors.New("h1: connection closed")
	}
	if e.state != stateIdle && e.state != stateDone {
		e.mu.Unlock()
		return errors.New("h1: request already in flight")
	}
	e.state = stateSendingBody
	e.chunkedOut = false
	e.contentLenOut = -1
	e.wroteOut = 0
	e.mu.Unlock()

	for _, h := range m.Headers {
		if !httpguts.ValidHeaderFieldName(string(h.Name)) || !httpguts.ValidHeaderFieldValue(string(h.Value)) {
			e.mu.Lock()
			e.state = stateDone
			e.mu.Unlock()
			return &ProtocolError{Msg: fmt.Sprintf("invalid header %q", h.Name)}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", m.Method, m.Path)
	for _, h := range m.Headers {
		b.Write(h.Name)
		b.WriteString(": ")
		b.Write(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	if _, err := io.WriteString(e.conn, b.String()); err != nil {
		return err
	}

	for _, h := range m.Headers {
		name := strings.ToLower(string(h.Name))
		if name == "transfer-encoding" && strings.Contains(strings.ToLower(string(h.Value)), "chunked") {
			e.chunkedOut = true
		}
		if name == "content-length" {
			n, _ := strconv.ParseInt(string(h.Value), 10, 64)
			e.contentLenOut = n
		}
		if name == "connection" && strings.EqualFold(string(h.Value), "close") {
			e.closeAfterResponse = true
		}
	}

	// ResponseConnection is observable immediately, before the body is
	// written or the response is read.
	e.connCh <- wire.ResponseConnection{HTTPVersion: wire.HTTP11, StreamID: wire.NoStream}

	if err := e.sendData(m.Body, m.MoreBody); err != nil {
		return err
	}

	go e.receiveResponse()
	return nil
}

func (e *Engine) sendData(body []byte, moreBody bool) error {
	if len(body) > 0 {
		if e.chunkedOut {
			if _, err := fmt.Fprintf(e.conn, "%x\r\n", len(body)); err != nil {
				return err
			}
			if _, err := e.conn.Write(body); err != nil {
				return err
			}
			if _, err := io.WriteString(e.conn, "\r\n"); err != nil {
				return err
			}
		} else {
			if _, err := e.conn.Write(body); err != nil {
				return err
			}
		}
		e.wroteOut += int64(len(body))
	}
	if !moreBody {
		if e.chunkedOut {
			if _, err := io.WriteString(e.conn, "0\r\n\r\n"); err != nil {
				return err
			}
		}
		e.mu.Lock()
		e.state = stateAwaitingResponse
		e.mu.Unlock()
	}
	return nil
}

func (e *Engine) receiveResponse() {
	tp := textproto.NewReader(e.br)
	line, err := tp.ReadLine()
	if err != nil {
		e.deliverDisconnect()
		return
	}
	status, _, err := parseStatusLine(line)
	if err != nil {
		e.errCh <- err
		return
	}
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		e.errCh <- err
		return
	}

	var hdrs []wire.Header
	contentLength := int64(-1)
	chunked := false
	connClose := false
	for k, vv := range mimeHeader {
		lower := strings.ToLower(k)
		for _, v := range vv {
			hdrs = append(hdrs, wire.Header{Name: []byte(lower), Value: []byte(v)})
			switch lower {
			case "content-length":
				contentLength, _ = strconv.ParseInt(v, 10, 64)
			case "transfer-encoding":
				if strings.Contains(strings.ToLower(v), "chunked") {
					chunked = true
				}
			case "connection":
				if strings.EqualFold(v, "close") {
					connClose = true
				}
			}
		}
	}

	moreBody := chunked || contentLength > 0

	e.mu.Lock()
	e.closeAfterResponse = e.closeAfterResponse || connClose
	e.mu.Unlock()

	if !e.deliver(wire.Response{
		Status:      status,
		Headers:     hdrs,
		MoreBody:    moreBody,
		StreamID:    wire.NoStream,
		HTTPVersion: wire.HTTP11,
	}) {
		return
	}

	if !moreBody {
		e.finishCycle()
		return
	}

	e.mu.Lock()
	e.state = stateStreamingBody
	e.mu.Unlock()

	if chunked {
		e.streamChunked()
	} else {
		e.streamFixed(contentLength)
	}
}

func (e *Engine) streamFixed(remaining int64) {
	buf := make([]byte, e.bufsiz)
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := e.br.Read(buf[:n])
		if read > 0 {
			chunk := append([]byte(nil), buf[:read]...)
			remaining -= int64(read)
			if !e.deliver(wire.ResponseBody{Body: chunk, MoreBody: remaining > 0, StreamID: wire.NoStream}) {
				return
			}
		}
		if err != nil {
			if remaining > 0 {
				e.deliverDisconnect()
			}
			return
		}
	}
	e.finishCycle()
}

func (e *Engine) streamChunked() {
	tp := textproto.NewReader(e.br)
	for {
		sizeLine, err := tp.ReadLine()
		if err != nil {
			e.deliverDisconnect()
			return
		}
		sizeLine = strings.TrimSpace(strings.SplitN(sizeLine, ";", 2)[0])
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil {
			e.errCh <- &ProtocolError{Msg: fmt.Sprintf("bad chunk size %q", sizeLine)}
			return
		}
		if size == 0 {
			// trailer headers, discarded.
			for {
				line, err := tp.ReadLine()
				if err != nil || line == "" {
					break
				}
			}
			e.deliver(wire.ResponseBody{Body: nil, MoreBody: false, StreamID: wire.NoStream})
			e.finishCycle()
			return
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(e.br, chunk); err != nil {
			e.deliverDisconnect()
			return
		}
		tp.ReadLine() // trailing CRLF after chunk data
		if !e.deliver(wire.ResponseBody{Body: chunk, MoreBody: true, StreamID: wire.NoStream}) {
			return
		}
	}
}

func (e *Engine) finishCycle() {
	e.mu.Lock()
	if e.closeAfterResponse {
		// The response said connection: close (or the request did); a next
		// cycle must not reuse this connection.
		e.state = stateClosed
		e.conn.Close()
	} else {
		e.state = stateDone
	}
	e.mu.Unlock()
}

// deliver hands msg to the caller via Receive, giving up once the user
// has disconnected: a blocked send to a reader that is gone would leak
// this goroutine for the life of the process.
func (e *Engine) deliver(msg wire.Message) bool {
	select {
	case e.events <- msg:
		return true
	case <-e.closedCh:
		return false
	}
}

func (e *Engine) deliverDisconnect() {
	e.deliver(wire.Disconnect{StreamID: wire.NoStream})
}

func (e *Engine) disconnect() error {
	e.mu.Lock()
	closed := e.state == stateClosed
	e.state = stateClosed
	e.mu.Unlock()
	if closed {
		return nil
	}
	close(e.closedCh)
	return e.conn.Close()
}

// ProtocolError is a locally detected HTTP/1.1 framing violation, on
// either the outbound request or the inbound response.
type ProtocolError struct{ Msg string }

func (e *ProtocolError) Error() string { return "h1: " + e.Msg }

func parseStatusLine(line string) (int, string, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, "", &ProtocolError{Msg: "malformed status line"}
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", &ProtocolError{Msg: "malformed status code"}
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return code, reason, nil
}
