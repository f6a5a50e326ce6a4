package h2

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/bradfitz/http2/hpack"
	"github.com/google/go-cmp/cmp"

	"github.com/barehttp/barehttp/internal/wire"
)

// fakeServer drives the peer side of a net.Pipe as a scripted HTTP/2
// server: a read loop keeps the pipe drained (net.Pipe writes rendezvous)
// and buffers every client frame for the test to assert on.
type fakeServer struct {
	t      *testing.T
	conn   net.Conn
	enc    *hpack.Encoder
	encBuf bytes.Buffer
	frames chan serverFrame
}

type serverFrame struct {
	fh      frameHeader
	payload []byte
}

func newFakeServer(t *testing.T, conn net.Conn) *fakeServer {
	t.Helper()
	s := &fakeServer{t: t, conn: conn, frames: make(chan serverFrame, 64)}
	s.enc = hpack.NewEncoder(&s.encBuf)
	go s.readLoop()
	return s
}

func (s *fakeServer) readLoop() {
	preface := make([]byte, len(ClientPreface))
	if _, err := io.ReadFull(s.conn, preface); err != nil {
		close(s.frames)
		return
	}
	for {
		fh, err := readFrameHeader(s.conn)
		if err != nil {
			close(s.frames)
			return
		}
		payload := make([]byte, fh.length)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			close(s.frames)
			return
		}
		s.frames <- serverFrame{fh: fh, payload: payload}
	}
}

func (s *fakeServer) awaitFrame(typ frameType) serverFrame {
	s.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-s.frames:
			if !ok {
				s.t.Fatalf("connection closed before frame type %d arrived", typ)
			}
			if f.fh.typ == typ {
				return f
			}
		case <-deadline:
			s.t.Fatalf("timed out waiting for frame type %d", typ)
		}
	}
}

func (s *fakeServer) sendHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) {
	s.t.Helper()
	s.encBuf.Reset()
	for _, f := range fields {
		if err := s.enc.WriteField(f); err != nil {
			s.t.Fatalf("hpack encode: %v", err)
		}
	}
	if err := writeHeadersFrame(s.conn, streamID, s.encBuf.Bytes(), endStream); err != nil {
		s.t.Fatalf("write headers: %v", err)
	}
}

func pipeEngine(t *testing.T) (*Engine, *fakeServer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	e := NewEngine(clientConn, "example.test", "https", 100, 65536)
	return e, newFakeServer(t, serverConn)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEngine_GetYieldsConnectionResponseBodyInOrder(t *testing.T) {
	e, srv := pipeEngine(t)
	ctx := testCtx(t)

	sendErr := make(chan error, 1)
	go func() {
		sendErr <- e.Send(ctx, wire.Request{
			Host: "example.test", Scheme: "https", Path: "/a", Method: "GET",
		})
	}()

	hf := srv.awaitFrame(frameHeaders)
	if !hf.fh.flags.has(flagEndStream) {
		t.Fatal("a bodyless GET must carry END_STREAM on its HEADERS frame")
	}
	if hf.fh.streamID != 1 {
		t.Fatalf("first stream id = %d, want 1", hf.fh.streamID)
	}
	if err := <-sendErr; err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msg, err := e.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	conn, ok := msg.(wire.ResponseConnection)
	if !ok || conn.HTTPVersion != wire.HTTP2 || conn.StreamID != 1 {
		t.Fatalf("msg = %+v, want ResponseConnection{h2, stream 1}", msg)
	}

	srv.sendHeaders(1, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "text/plain"},
	}, false)
	if err := writeDataFrame(srv.conn, 1, []byte("hello"), true); err != nil {
		t.Fatalf("write data: %v", err)
	}

	msg, err = e.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive(Response) error = %v", err)
	}
	resp, ok := msg.(wire.Response)
	if !ok || resp.Status != 200 || !resp.MoreBody {
		t.Fatalf("msg = %+v, want Response{200, MoreBody}", msg)
	}
	wantHeaders := []wire.Header{{Name: []byte("content-type"), Value: []byte("text/plain")}}
	if diff := cmp.Diff(wantHeaders, resp.Headers); diff != "" {
		t.Fatalf("response headers mismatch (-want +got):\n%s", diff)
	}

	msg, err = e.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive(body) error = %v", err)
	}
	body, ok := msg.(wire.ResponseBody)
	if !ok || string(body.Body) != "hello" || body.MoreBody {
		t.Fatalf("msg = %+v, want final ResponseBody %q", msg, "hello")
	}
}

func TestEngine_StripsHostAndTransferEncodingHeaders(t *testing.T) {
	e, srv := pipeEngine(t)
	ctx := testCtx(t)

	go e.Send(ctx, wire.Request{
		Host: "example.test", Scheme: "https", Path: "/", Method: "GET",
		Headers: []wire.Header{
			{Name: []byte("host"), Value: []byte("example.test")},
			{Name: []byte("transfer-encoding"), Value: []byte("chunked")},
			{Name: []byte("accept"), Value: []byte("*/*")},
		},
	})

	hf := srv.awaitFrame(frameHeaders)
	var names []string
	dec := hpack.NewDecoder(4096, func(f hpack.HeaderField) { names = append(names, f.Name) })
	if _, err := dec.Write(hf.payload); err != nil {
		t.Fatalf("hpack decode: %v", err)
	}
	want := []string{":method", ":authority", ":scheme", ":path", "accept"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("header names on the wire (-want +got):\n%s", diff)
	}
}

func TestEngine_EndStreamSurvivesHeadersContinuationSplit(t *testing.T) {
	e, srv := pipeEngine(t)
	ctx := testCtx(t)

	go e.Send(ctx, wire.Request{Host: "example.test", Scheme: "https", Path: "/", Method: "GET"})
	srv.awaitFrame(frameHeaders)
	if _, err := e.Receive(ctx); err != nil { // ResponseConnection
		t.Fatalf("Receive() error = %v", err)
	}

	// A headers-only response whose block spans HEADERS+CONTINUATION:
	// END_STREAM rides on the HEADERS frame, END_HEADERS on the
	// CONTINUATION, and the end-of-stream signal must survive the split.
	srv.encBuf.Reset()
	srv.enc.WriteField(hpack.HeaderField{Name: ":status", Value: "204"})
	srv.enc.WriteField(hpack.HeaderField{Name: "content-type", Value: "text/plain"})
	block := append([]byte(nil), srv.encBuf.Bytes()...)
	split := len(block) / 2

	if err := writeFrameHeader(srv.conn, uint32(split), frameHeaders, flagEndStream, 1); err != nil {
		t.Fatalf("write headers: %v", err)
	}
	srv.conn.Write(block[:split])
	if err := writeFrameHeader(srv.conn, uint32(len(block)-split), frameContinuation, flagEndHeaders, 1); err != nil {
		t.Fatalf("write continuation: %v", err)
	}
	srv.conn.Write(block[split:])

	msg, err := e.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive(Response) error = %v", err)
	}
	resp, ok := msg.(wire.Response)
	if !ok || resp.Status != 204 {
		t.Fatalf("msg = %+v, want Response{204}", msg)
	}
	if resp.MoreBody {
		t.Fatal("MoreBody = true for a headers-only response split across CONTINUATION")
	}
}

func TestEngine_DataDeliveryReturnsFlowControlCredit(t *testing.T) {
	e, srv := pipeEngine(t)
	ctx := testCtx(t)

	go e.Send(ctx, wire.Request{Host: "example.test", Scheme: "https", Path: "/", Method: "GET"})

	// The connection-window boost precedes HEADERS on the wire; drain it
	// so the updates observed below are attributable to the DATA frame.
	boost := srv.awaitFrame(frameWindowUpdate)
	if boost.fh.streamID != 0 {
		t.Fatalf("first WINDOW_UPDATE on stream %d, want 0", boost.fh.streamID)
	}
	srv.awaitFrame(frameHeaders)
	if _, err := e.Receive(ctx); err != nil { // ResponseConnection
		t.Fatalf("Receive() error = %v", err)
	}

	srv.sendHeaders(1, []hpack.HeaderField{{Name: ":status", Value: "200"}}, false)
	if _, err := e.Receive(ctx); err != nil { // Response
		t.Fatalf("Receive(Response) error = %v", err)
	}
	payload := []byte("0123456789")
	if err := writeDataFrame(srv.conn, 1, payload, false); err != nil {
		t.Fatalf("write data: %v", err)
	}
	if _, err := e.Receive(ctx); err != nil { // ResponseBody
		t.Fatalf("Receive(body) error = %v", err)
	}

	var acked []uint32
	for len(acked) < 2 {
		f := srv.awaitFrame(frameWindowUpdate)
		if got := uint32(f.payload[0])<<24 | uint32(f.payload[1])<<16 | uint32(f.payload[2])<<8 | uint32(f.payload[3]); got != uint32(len(payload)) {
			t.Fatalf("WINDOW_UPDATE increment = %d, want %d", got, len(payload))
		}
		acked = append(acked, f.fh.streamID)
	}
	if (acked[0] != 0 || acked[1] != 1) && (acked[0] != 1 || acked[1] != 0) {
		t.Fatalf("credit returned on streams %v, want 0 and 1", acked)
	}
}

func TestConn_BodySendNeverExceedsGrantedCredit(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	c := NewConn(clientConn, 100, 65536)
	srv := newFakeServer(t, serverConn)

	const bodyLen = 100000 // above the 65535 default window on stream and connection
	body := bytes.Repeat([]byte("x"), bodyLen)

	opened := make(chan error, 1)
	go func() {
		_, err := c.openStream("example.test", "https", "/u", "POST", nil, body, false)
		opened <- err
	}()

	granted := 65535
	received := 0
	sawEndStream := false
	deadline := time.After(5 * time.Second)
	for !sawEndStream {
		select {
		case f, ok := <-srv.frames:
			if !ok {
				t.Fatal("connection closed mid-body")
			}
			if f.fh.typ != frameData {
				continue
			}
			received += int(f.fh.length)
			if received > granted {
				t.Fatalf("received %d DATA bytes with only %d bytes of credit granted", received, granted)
			}
			sawEndStream = f.fh.flags.has(flagEndStream)
			if received == 65535 && !sawEndStream {
				// Both windows are dry; top them up.
				granted += 65535
				if err := writeWindowUpdate(srv.conn, 0, 65535); err != nil {
					t.Fatalf("window update: %v", err)
				}
				if err := writeWindowUpdate(srv.conn, 1, 65535); err != nil {
					t.Fatalf("window update: %v", err)
				}
			}
		case <-deadline:
			t.Fatalf("timed out: %d/%d DATA bytes received", received, bodyLen)
		}
	}
	if received != bodyLen {
		t.Fatalf("received %d DATA bytes, want %d", received, bodyLen)
	}
	if err := <-opened; err != nil {
		t.Fatalf("openStream() error = %v", err)
	}
}

func TestConn_GoAwayTerminatesStreamsAndRefusesNewOnes(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })
	c := NewConn(clientConn, 100, 65536)
	srv := newFakeServer(t, serverConn)

	st, err := c.openStream("example.test", "https", "/", "GET", nil, nil, false)
	if err != nil {
		t.Fatalf("openStream() error = %v", err)
	}
	srv.awaitFrame(frameHeaders)

	if err := writeGoAway(srv.conn, 1, errCodeNoError); err != nil {
		t.Fatalf("write goaway: %v", err)
	}

	select {
	case ev := <-st.events:
		if _, ok := ev.(streamResetEvent); !ok {
			t.Fatalf("stream event = %T, want streamResetEvent", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not observe the GOAWAY")
	}

	if _, err := c.openStream("example.test", "https", "/", "GET", nil, nil, false); err == nil {
		t.Fatal("openStream() after GOAWAY should be refused")
	}
}

func TestEngine_DisconnectSendsRSTStreamForUnfinishedStream(t *testing.T) {
	e, srv := pipeEngine(t)
	ctx := testCtx(t)

	go e.Send(ctx, wire.Request{Host: "example.test", Scheme: "https", Path: "/", Method: "GET"})
	srv.awaitFrame(frameHeaders)
	if _, err := e.Receive(ctx); err != nil { // ResponseConnection
		t.Fatalf("Receive() error = %v", err)
	}

	closeErr := make(chan error, 1)
	go func() { closeErr <- e.Send(ctx, wire.Disconnect{StreamID: wire.NoStream}) }()

	srv.awaitFrame(frameRSTStream)
	srv.awaitFrame(frameGoAway)
	<-closeErr
}
