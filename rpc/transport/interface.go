package transport

import (
	"context"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"net"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ReplyFunc sends a response to the peer a request was received from
type ReplyFunc func(resp msg.Message) error

// Request is one decoded inbound message
type Request struct {
	Msg      msg.Message
	Peer     string // remote address
	Datagram bool   // received over a connectionless transport
	Reply    ReplyFunc
}

// ServerHandleFunc is called by a server transport for every decoded inbound message.
// Messages with an unknown type id are passed on as *msg.Invalid.
type ServerHandleFunc func(ctx context.Context, req *Request)

// IServerTransport is the interface for inbound transports
type IServerTransport interface {
	// RegisterHandler registers the handler for all inbound messages.
	// It must be called before Listen.
	RegisterHandler(handler ServerHandleFunc)

	// Listen binds the endpoint and starts serving in the background.
	// Serving stops when ctx is cancelled or Close is called.
	Listen(ctx context.Context, endpoint string) error

	// Addr returns the bound address, nil before Listen
	Addr() net.Addr

	// Close stops serving and waits for running handlers to return
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IConn is one established stream connection. A connection carries at most
// one outstanding request at a time.
type IConn interface {
	// Exchange sends a serialized request and reads one response.
	// Failures are classified as CommunicationError or ProtocolViolation.
	Exchange(ctx context.Context, req []byte) (msg.Message, error)
}

// IConnPool hands out connections to a single endpoint
type IConnPool interface {
	// Acquire returns an idle connection, dials a new one if the pool is not
	// exhausted, or blocks until a connection is released or ctx is done
	Acquire(ctx context.Context) (IConn, error)

	// Release returns a healthy connection to the pool
	Release(c IConn)

	// Invalidate closes a connection after an error; it is not reused
	Invalidate(c IConn)

	// Endpoint returns the address connections are dialed to
	Endpoint() string

	// Close closes idle connections and rejects further Acquire calls
	Close() error
}
