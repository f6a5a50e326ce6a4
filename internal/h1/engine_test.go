package h1

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/barehttp/barehttp/internal/wire"
)

func pipePair(t *testing.T) (client Conn, serverReader *bufio.Reader, serverWriter io.Writer, serverConn net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, bufio.NewReader(b), b, b
}

func withTimeout(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSendRequest_WritesRequestLineAndHeaders(t *testing.T) {
	client, serverReader, _, _ := pipePair(t)
	e := New(client, 0)
	ctx := withTimeout(t)

	done := make(chan error, 1)
	go func() {
		done <- e.Send(ctx, wire.Request{
			Host: "example.test", Scheme: "https", Path: "/foo", Method: "GET",
			Headers: []wire.Header{{Name: []byte("accept"), Value: []byte("*/*")}},
			MoreBody: false,
		})
	}()

	line, err := serverReader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString() error = %v", err)
	}
	if strings.TrimRight(line, "\r\n") != "GET /foo HTTP/1.1" {
		t.Fatalf("request line = %q", line)
	}

	msg, err := e.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	conn, ok := msg.(wire.ResponseConnection)
	if !ok || conn.HTTPVersion != wire.HTTP11 {
		t.Fatalf("msg = %+v, want ResponseConnection{HTTP11}", msg)
	}

	if err := <-done; err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestSendRequest_RejectsInvalidHeaderValue(t *testing.T) {
	client, _, _, _ := pipePair(t)
	e := New(client, 0)
	ctx := withTimeout(t)

	err := e.Send(ctx, wire.Request{
		Host: "h", Scheme: "http", Path: "/", Method: "GET",
		Headers: []wire.Header{{Name: []byte("x"), Value: []byte("bad\r\nvalue")}},
	})
	if err == nil {
		t.Fatal("Send() with a CRLF-injected header value should fail")
	}
}

func TestFixedLengthResponseBody_StreamsThenDone(t *testing.T) {
	client, _, serverWriter, _ := pipePair(t)
	e := New(client, 0)
	ctx := withTimeout(t)

	go func() {
		e.Send(ctx, wire.Request{Host: "h", Scheme: "http", Path: "/", Method: "GET"})
	}()
	if _, err := e.Receive(ctx); err != nil {
		t.Fatalf("Receive(ResponseConnection) error = %v", err)
	}

	go io.WriteString(serverWriter, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello")

	msg, err := e.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive(Response) error = %v", err)
	}
	resp, ok := msg.(wire.Response)
	if !ok || resp.Status != 200 || !resp.MoreBody {
		t.Fatalf("msg = %+v", msg)
	}

	var body []byte
	for {
		msg, err := e.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive(body) error = %v", err)
		}
		chunk, ok := msg.(wire.ResponseBody)
		if !ok {
			t.Fatalf("msg = %+v, want ResponseBody", msg)
		}
		body = append(body, chunk.Body...)
		if !chunk.MoreBody {
			break
		}
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q, want %q", body, "hello")
	}
}

func TestChunkedResponseBody_StreamsEachChunk(t *testing.T) {
	client, _, serverWriter, _ := pipePair(t)
	e := New(client, 0)
	ctx := withTimeout(t)

	go func() {
		e.Send(ctx, wire.Request{Host: "h", Scheme: "http", Path: "/", Method: "GET"})
	}()
	if _, err := e.Receive(ctx); err != nil {
		t.Fatalf("Receive(ResponseConnection) error = %v", err)
	}

	go io.WriteString(serverWriter,
		"HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
			"3\r\nfoo\r\n3\r\nbar\r\n0\r\n\r\n")

	if _, err := e.Receive(ctx); err != nil {
		t.Fatalf("Receive(Response) error = %v", err)
	}

	var body []byte
	for {
		msg, err := e.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive(body) error = %v", err)
		}
		chunk, ok := msg.(wire.ResponseBody)
		if !ok {
			t.Fatalf("msg = %+v, want ResponseBody", msg)
		}
		body = append(body, chunk.Body...)
		if !chunk.MoreBody {
			break
		}
	}
	if string(body) != "foobar" {
		t.Fatalf("body = %q, want %q", body, "foobar")
	}
}

func TestReceive_MidBodyCloseDeliversDisconnect(t *testing.T) {
	client, _, serverWriter, serverConn := pipePair(t)
	e := New(client, 0)
	ctx := withTimeout(t)

	go func() {
		e.Send(ctx, wire.Request{Host: "h", Scheme: "http", Path: "/", Method: "GET"})
	}()
	if _, err := e.Receive(ctx); err != nil {
		t.Fatalf("Receive(ResponseConnection) error = %v", err)
	}

	go func() {
		io.WriteString(serverWriter, "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial")
		serverConn.Close()
	}()

	if _, err := e.Receive(ctx); err != nil {
		t.Fatalf("Receive(Response) error = %v", err)
	}
	msg, err := e.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive(partial body) error = %v", err)
	}
	if _, ok := msg.(wire.ResponseBody); !ok {
		t.Fatalf("msg = %+v, want ResponseBody", msg)
	}

	msg, err = e.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive(disconnect) error = %v", err)
	}
	if _, ok := msg.(wire.Disconnect); !ok {
		t.Fatalf("msg = %+v, want Disconnect", msg)
	}
}

func TestDisconnect_ClosesUnderlyingConn(t *testing.T) {
	client, serverReader, _, _ := pipePair(t)
	e := New(client, 0)
	ctx := withTimeout(t)

	if err := e.Send(ctx, wire.Disconnect{StreamID: wire.NoStream}); err != nil {
		t.Fatalf("Send(Disconnect) error = %v", err)
	}
	if _, err := serverReader.ReadByte(); err != io.EOF {
		t.Fatalf("server read after Disconnect: err = %v, want io.EOF", err)
	}
	// A second disconnect is a no-op, not an error.
	if err := e.Send(ctx, wire.Disconnect{StreamID: wire.NoStream}); err != nil {
		t.Fatalf("second Send(Disconnect) error = %v", err)
	}
}
