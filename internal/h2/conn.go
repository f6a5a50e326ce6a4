package h2

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/bradfitz/http2/hpack"
	"golang.org/x/sync/errgroup"

	"github.com/barehttp/barehttp/internal/flowcontrol"
)

// RWCloser is the byte-level dependency the H2 engine needs.
type RWCloser interface {
	io.Reader
	io.Writer
	Close() error
}

const defaultInitialWindowSize = 65535
const connectionRecvWindowBoost = 1 << 24

// Conn drives one HTTP/2 connection, client role only. It supports
// multiple concurrent streams even though Engine opens one stream per
// instance.
//
// Conn.run is the single reader/dispatcher goroutine: it reads every
// inbound frame and feeds per-stream event channels. Writers (openStream,
// sendData, closeStream) serialize the actual byte writes, and the HPACK
// encoding that must stay in sync with them, behind writeMu. Stream-table
// mutation sits behind mu.
type Conn struct {
	rw RWCloser

	maxConcurrentStreams uint32
	maxHeaderListSize    uint32

	initOnce sync.Once
	initErr  error

	writeMu      sync.Mutex
	hpackEncBuf  bytes.Buffer
	hpackEncoder *hpack.Encoder

	maxOutboundFrame atomic.Uint32 // written by run, read by senders

	done chan struct{} // closed once the connection has failed

	mu           sync.Mutex
	streams      map[uint32]*stream
	nextStreamID uint32
	connWindow   *flowcontrol.Window // our send-side credit on stream 0
	goAwayRecvd  bool
	connErr      error

	hpackDec           *hpack.Decoder
	curHeaderFrag      *stream // stream currently accumulating a HEADERS/CONTINUATION block
	curHeaderEndStream bool    // END_STREAM flag of the originating HEADERS frame
	curHeaders         []headerField

	// runGroup tracks the single run() reader/dispatcher goroutine so
	// closeStream can wait for it to exit instead of leaving it to
	// unwind in the background.
	runGroup errgroup.Group
}

// NewConn wraps rw in a fresh HTTP/2 client connection.
func NewConn(rw RWCloser, maxConcurrentStreams, maxHeaderListSize uint32) *Conn {
	c := &Conn{
		rw:                   rw,
		maxConcurrentStreams: maxConcurrentStreams,
		maxHeaderListSize:    maxHeaderListSize,
		done:                 make(chan struct{}),
		streams:              make(map[uint32]*stream),
		nextStreamID:         1,
		connWindow:           flowcontrol.NewWindow(defaultInitialWindowSize),
	}
	c.maxOutboundFrame.Store(16384)
	c.hpackEncoder = hpack.NewEncoder(&c.hpackEncBuf)
	c.hpackDec = hpack.NewDecoder(4096, c.onHeaderField)
	return c
}

func (c *Conn) ensureInitialized() error {
	c.initOnce.Do(func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		if _, err := io.WriteString(c.rw, ClientPreface); err != nil {
			c.initErr = &TransportError{Err: err}
			return
		}
		settings := []setting{
			{settingEnablePush, 0},
			{settingMaxConcurrentStreams, c.maxConcurrentStreams},
			{settingMaxHeaderListSize, c.maxHeaderListSize},
		}
		if err := writeSettings(c.rw, settings); err != nil {
			c.initErr = &TransportError{Err: err}
			return
		}
		if err := writeWindowUpdate(c.rw, 0, connectionRecvWindowBoost); err != nil {
			c.initErr = &TransportError{Err: err}
			return
		}
		c.runGroup.Go(func() error {
			c.run()
			return nil
		})
	})
	return c.initErr
}

// wait blocks until the run() goroutine has returned, so a caller tearing
// down the connection never leaves it running in the background.
func (c *Conn) wait() {
	c.runGroup.Wait()
}

// openStream allocates the next odd stream id, sends HEADERS (and the
// first body chunk, or end-of-stream if there is none), and registers the
// stream. host and transfer-encoding are stripped from the user headers;
// neither is legal alongside the pseudo-header block.
func (c *Conn) openStream(host, scheme, path, method string, headers []headerField, body []byte, moreBody bool) (*stream, error) {
	if err := c.ensureInitialized(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.goAwayRecvd {
		c.mu.Unlock()
		return nil, ConnectionError(errCodeNoError)
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	st := newStream(id, defaultInitialWindowSize)
	c.streams[id] = st
	c.mu.Unlock()

	fields := make([]headerField, 0, len(headers)+4)
	fields = append(fields,
		headerField{":method", method},
		headerField{":authority", host},
		headerField{":scheme", scheme},
		headerField{":path", path},
	)
	for _, h := range headers {
		if h.name == "host" || h.name == "transfer-encoding" {
			continue
		}
		fields = append(fields, h)
	}

	c.writeMu.Lock()
	c.hpackEncBuf.Reset()
	for _, f := range fields {
		if err := c.hpackEncoder.WriteField(hpack.HeaderField{Name: f.name, Value: f.value}); err != nil {
			c.writeMu.Unlock()
			return nil, err
		}
	}
	block := append([]byte(nil), c.hpackEncBuf.Bytes()...)

	endStream := body == nil && !moreBody
	err := writeHeadersFrame(c.rw, id, block, endStream)
	c.writeMu.Unlock()
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	if !endStream {
		if err := c.sendData(st, body, moreBody); err != nil {
			return nil, err
		}
	}

	return st, nil
}

// sendData frames body to min(chunk, stream credit, connection credit,
// max frame size), waiting on whichever window is exhausted. writeMu is
// held per frame, not across the loop: the run goroutine needs it to ack
// SETTINGS and PING and to return receive credit, all of which must keep
// flowing while a sender stalls here, and DATA frames from different
// streams may legally interleave.
func (c *Conn) sendData(st *stream, body []byte, moreBody bool) error {
	if len(body) == 0 && !moreBody {
		// Empty final chunk: still need one DATA frame carrying END_STREAM,
		// since no earlier frame has closed the send side yet.
		c.writeMu.Lock()
		err := writeDataFrame(c.rw, st.id, nil, true)
		c.writeMu.Unlock()
		if err != nil {
			return &TransportError{Err: err}
		}
		return nil
	}
	for len(body) > 0 {
		size := len(body)
		if sc := int(st.flowWindow.Available()); sc < size {
			size = sc
		}
		if cc := int(c.connWindow.Available()); cc < size {
			size = cc
		}
		if max := int(c.maxOutboundFrame.Load()); max < size {
			size = max
		}
		if size <= 0 {
			if err := c.connErrOrNil(); err != nil {
				return err
			}
			// Woken by a stream-level grant, by a connection-level one
			// fanned out in handleWindowUpdate, or by connection failure.
			if err := st.flowWindow.Wait(c.done); err != nil {
				if cerr := c.connErrOrNil(); cerr != nil {
					return cerr
				}
				return err
			}
			continue
		}
		chunk := body[:size]
		c.writeMu.Lock()
		err := writeDataFrame(c.rw, st.id, chunk, len(body) == size && !moreBody)
		c.writeMu.Unlock()
		if err != nil {
			return &TransportError{Err: err}
		}
		body = body[size:]
		st.flowWindow.Consume(int32(size))
		c.connWindow.Consume(int32(size))
	}
	return nil
}

func (c *Conn) onHeaderField(f hpack.HeaderField) {
	c.curHeaders = append(c.curHeaders, headerField{name: f.Name, value: f.Value})
}

// run is the connection's single reader/dispatcher goroutine.
func (c *Conn) run() {
	for {
		fh, err := readFrameHeader(c.rw)
		if err != nil {
			c.fail(err)
			return
		}
		if err := c.dispatch(fh); err != nil {
			switch e := err.(type) {
			case StreamError:
				c.writeMu.Lock()
				writeRSTStream(c.rw, e.StreamID, e.Code)
				c.writeMu.Unlock()
				c.endStream(e.StreamID, streamResetEvent{code: e.Code})
			case ConnectionError:
				c.fail(e)
				return
			default:
				c.fail(err)
				return
			}
		}
	}
}

func (c *Conn) dispatch(fh frameHeader) error {
	switch fh.typ {
	case frameSettings:
		return c.handleSettings(fh)
	case frameWindowUpdate:
		return c.handleWindowUpdate(fh)
	case frameHeaders:
		return c.handleHeaders(fh)
	case frameContinuation:
		return c.handleContinuation(fh)
	case frameData:
		return c.handleData(fh)
	case frameRSTStream:
		return c.handleRSTStream(fh)
	case framePing:
		return c.handlePing(fh)
	case frameGoAway:
		return c.handleGoAway(fh)
	default:
		// Unknown frame types are ignored per RFC 7540 §4.1.
		_, err := io.CopyN(io.Discard, c.rw, int64(fh.length))
		return err
	}
}

func (c *Conn) handleSettings(fh frameHeader) error {
	if fh.flags.has(flagAck) {
		return nil
	}
	settings, err := readSettingsPayload(c.rw, fh.length)
	if err != nil {
		return err
	}
	for _, s := range settings {
		switch s.id {
		case settingMaxFrameSize:
			c.maxOutboundFrame.Store(s.val)
		case settingInitialWindowSize:
			// A mid-connection change to the peer's advertised initial
			// window would need to grow/shrink every open stream's send
			// window by the delta; this client never varies its own
			// advertised initial window, so nothing further to do here.
		}
	}
	c.writeMu.Lock()
	err = writeSettingsAck(c.rw)
	c.writeMu.Unlock()
	return err
}

func (c *Conn) handleWindowUpdate(fh frameHeader) error {
	buf := make([]byte, fh.length)
	if _, err := io.ReadFull(c.rw, buf); err != nil {
		return err
	}
	increment := int32(buf[0])<<24 | int32(buf[1])<<16 | int32(buf[2])<<8 | int32(buf[3])
	increment &= 0x7fffffff

	if fh.streamID == 0 {
		if !c.connWindow.Add(increment) {
			return ConnectionError(errCodeFlowControlError)
		}
		// A connection-level grant can unblock a sender stalled on any
		// stream, so signal them all.
		c.mu.Lock()
		streams := make([]*stream, 0, len(c.streams))
		for _, st := range c.streams {
			streams = append(streams, st)
		}
		c.mu.Unlock()
		for _, st := range streams {
			st.flowWindow.Broadcast()
		}
		return nil
	}
	st := c.lookupStream(fh.streamID)
	if st == nil {
		// RFC 7540 §5.1: WINDOW_UPDATE on a closed/unknown stream is not an error.
		return nil
	}
	if !st.flowWindow.Add(increment) {
		return StreamError{StreamID: fh.streamID, Code: errCodeFlowControlError}
	}
	return nil
}

func (c *Conn) handleHeaders(fh frameHeader) error {
	st := c.lookupStream(fh.streamID)
	if st == nil {
		return ConnectionError(errCodeProtocolError)
	}
	payload := make([]byte, fh.length)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return err
	}
	if fh.flags.has(flagPadded) {
		// Padded HEADERS are not produced by any server this client is
		// expected to talk to in practice; treat the pad length octet as
		// absent padding rather than mis-parsing it as header bytes.
		if len(payload) > 0 {
			payload = payload[1:]
		}
	}
	c.curHeaders = nil
	if _, err := c.hpackDec.Write(payload); err != nil {
		return ConnectionError(errCodeProtocolError)
	}
	if !fh.flags.has(flagEndHeaders) {
		// The block continues in CONTINUATION frames, which never carry
		// END_STREAM themselves; remember this frame's flag until the
		// block completes.
		c.curHeaderFrag = st
		c.curHeaderEndStream = fh.flags.has(flagEndStream)
		return nil
	}
	return c.finishHeaders(st, fh.flags.has(flagEndStream))
}

func (c *Conn) handleContinuation(fh frameHeader) error {
	if c.curHeaderFrag == nil || c.curHeaderFrag.id != fh.streamID {
		return ConnectionError(errCodeProtocolError)
	}
	payload := make([]byte, fh.length)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return err
	}
	if _, err := c.hpackDec.Write(payload); err != nil {
		return ConnectionError(errCodeProtocolError)
	}
	if !fh.flags.has(flagEndHeaders) {
		return nil
	}
	st := c.curHeaderFrag
	c.curHeaderFrag = nil
	// END_STREAM, if set, was on the originating HEADERS frame; a
	// CONTINUATION never carries it (RFC 7540 §6.10).
	return c.finishHeaders(st, c.curHeaderEndStream)
}

func (c *Conn) finishHeaders(st *stream, endStream bool) error {
	status := 0
	var headers []headerField
	for _, f := range c.curHeaders {
		if f.name == ":status" {
			fmt.Sscanf(f.value, "%d", &status)
			continue
		}
		if len(f.name) > 0 && f.name[0] == ':' {
			continue
		}
		headers = append(headers, f)
	}
	c.curHeaders = nil

	if endStream {
		st.state = streamHalfClosedRemote
		// The event below already carries streamEnded: true, which is all
		// a receiver needs to know the body is complete; bodyDone only
		// needs to be set so closeStream doesn't RST an already-finished
		// stream, not a second terminal event on the channel.
		c.markBodyDone(st)
	}

	c.deliver(st, responseReceivedEvent{status: status, headers: headers, streamEnded: endStream})
	return nil
}

func (c *Conn) handleData(fh frameHeader) error {
	// Consume the payload before deciding the stream's fate, or an
	// unknown-stream DATA frame would leave its bytes in the pipe and
	// desync every frame after it.
	data := make([]byte, fh.length)
	if _, err := io.ReadFull(c.rw, data); err != nil {
		return err
	}
	st := c.lookupStream(fh.streamID)
	if st == nil {
		return StreamError{StreamID: fh.streamID, Code: errCodeStreamClosed}
	}
	endStream := fh.flags.has(flagEndStream)

	// Acknowledge received bytes on both the stream and the connection,
	// returning credit for every delivered chunk.
	if fh.length > 0 {
		c.writeMu.Lock()
		writeWindowUpdate(c.rw, 0, fh.length)
		writeWindowUpdate(c.rw, fh.streamID, fh.length)
		c.writeMu.Unlock()
	}

	if endStream {
		st.state = streamHalfClosedRemote
		c.markBodyDone(st)
	}
	c.deliver(st, dataReceivedEvent{data: data, flowControlledLen: int(fh.length), streamEnded: endStream})
	return nil
}

func (c *Conn) handleRSTStream(fh frameHeader) error {
	buf := make([]byte, fh.length)
	if _, err := io.ReadFull(c.rw, buf); err != nil {
		return err
	}
	code := errCode(uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]))
	c.endStream(fh.streamID, streamResetEvent{code: code})
	return nil
}

func (c *Conn) handlePing(fh frameHeader) error {
	var payload [8]byte
	if _, err := io.ReadFull(c.rw, payload[:]); err != nil {
		return err
	}
	if fh.flags.has(flagAck) {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writePingAck(c.rw, payload)
}

func (c *Conn) handleGoAway(fh frameHeader) error {
	buf := make([]byte, fh.length)
	if _, err := io.ReadFull(c.rw, buf); err != nil {
		return err
	}
	c.mu.Lock()
	c.goAwayRecvd = true
	streams := make([]*stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.mu.Unlock()

	// Surface the shutdown to every active stream; new streams are
	// refused by the goAwayRecvd check in openStream.
	for _, st := range streams {
		c.endStream(st.id, streamResetEvent{code: errCodeNoError})
	}
	return nil
}

func (c *Conn) lookupStream(id uint32) *stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

func (c *Conn) markBodyDone(st *stream) {
	c.mu.Lock()
	st.bodyDone = true
	c.mu.Unlock()
}

// deliver hands ev to the stream's receiver, giving up if the user has
// abandoned the stream: a blocked delivery to an unread channel would
// stall the whole connection's read loop.
func (c *Conn) deliver(st *stream, ev any) {
	select {
	case st.events <- ev:
	case <-st.closed:
	}
}

func (c *Conn) endStream(id uint32, terminal any) {
	c.mu.Lock()
	st := c.streams[id]
	if st == nil || st.bodyDone {
		c.mu.Unlock()
		return
	}
	st.bodyDone = true
	c.mu.Unlock()
	c.deliver(st, terminal)
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.connErr != nil {
		c.mu.Unlock()
		return
	}
	c.connErr = err
	close(c.done)
	streams := make([]*stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.mu.Unlock()

	for _, st := range streams {
		c.endStream(st.id, streamResetEvent{code: errCodeNoError})
	}
	c.rw.Close()
}

// closeStream aborts a single stream: RST_STREAM if it has not already
// ended, then drops it from the stream table. It never sends GOAWAY or
// closes the transport unless every stream is closed.
func (c *Conn) closeStream(id uint32) error {
	c.mu.Lock()
	st, ok := c.streams[id]
	var needRST bool
	if ok {
		delete(c.streams, id)
		needRST = !st.bodyDone
	}
	remaining := len(c.streams)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	// Unblock any in-flight delivery to this stream, then drain whatever
	// already queued; the receiver is gone.
	close(st.closed)
	for {
		select {
		case <-st.events:
			continue
		default:
		}
		break
	}

	if needRST {
		c.writeMu.Lock()
		writeRSTStream(c.rw, id, errCodeCancel)
		c.writeMu.Unlock()
	}

	if remaining == 0 {
		c.writeMu.Lock()
		writeGoAway(c.rw, id, errCodeNoError)
		c.writeMu.Unlock()
		err := c.rw.Close()
		c.wait()
		return err
	}
	return nil
}

// connErrOrNil returns the connection-level error, if the connection has
// failed, so callers blocked on a stream's event channel (which fail()
// never closes, only feeds a terminal event into) can still notice a
// connection-wide failure that raced ahead of their particular stream.
func (c *Conn) connErrOrNil() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connErr
}
