package wire

import "context"

// Engine is the Protocol Facade: the uniform capability the Requester
// drives regardless of whether an H1 or H2 engine sits behind it.
//
// Send does not watch ctx. A send that is writing, or that is waiting for
// H2 flow-control credit, returns only when the write completes, credit
// arrives, a write timeout fires, or the connection fails or is closed;
// cancelling ctx does not end it. Receive delivers one message
// per call: exactly one ResponseConnection, then exactly one Response,
// then zero or more ResponseBody frames, then any terminator.
type Engine interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (Message, error)
}
