package h2

import "github.com/barehttp/barehttp/internal/flowcontrol"

// streamState follows the RFC 7540 §5.1 stream lifecycle, trimmed to the
// states a client-only, no-push engine actually visits.
type streamState int

const (
	streamIdle streamState = iota
	streamOpen
	streamHalfClosedLocal
	streamHalfClosedRemote
	streamClosed
)

// stream is a single HTTP/2 request/response channel. state is mutated
// only from the connection's run goroutine; other goroutines interact
// with a stream only through flowWindow, events, and closed.
type stream struct {
	id    uint32
	state streamState

	flowWindow *flowcontrol.Window // this stream's send-side credit

	events chan any      // demultiplexed events for this stream's receiver
	closed chan struct{} // closed when the user abandons the stream

	bodyDone bool // guarded by Conn.mu; true once the stream has seen its terminal event
}

func newStream(id uint32, initialWindow int32) *stream {
	return &stream{
		id:         id,
		state:      streamOpen,
		flowWindow: flowcontrol.NewWindow(initialWindow),
		events:     make(chan any, 8),
		closed:     make(chan struct{}),
	}
}

// responseReceivedEvent carries a decoded HEADERS block for the stream.
type responseReceivedEvent struct {
	status      int
	headers     []headerField
	streamEnded bool
}

// dataReceivedEvent carries a DATA frame payload for the stream.
type dataReceivedEvent struct {
	data              []byte
	flowControlledLen int
	streamEnded       bool
}

// streamResetEvent is the terminal event for a stream torn down by
// RST_STREAM, GOAWAY, or connection failure. The ordinary end of a
// response rides in on the streamEnded flag of the last headers/data
// event instead.
type streamResetEvent struct{ code errCode }

type headerField struct {
	name  string
	value string
}
