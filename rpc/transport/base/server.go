package base

import (
	"context"
	"errors"
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"io"
	"net"
	"sync"
	"time"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener and returns it
	Listen(endpoint string) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// streamServer implements the core server transport functionality
type streamServer struct {
	connector  IServerConnector
	handler    transport.ServerHandleFunc
	config     common.ServerConfig
	listener   net.Listener
	bufferPool *sync.Pool
	workers    chan struct{} // counting semaphore shared by all connections
	conns      *xsync.MapOf[net.Conn, struct{}]
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewStreamServer creates a stream server with the specified connector.
// config.Workers bounds the number of requests processed concurrently across
// all connections. Each connection processes one request at a time.
func NewStreamServer(connector IServerConnector, config common.ServerConfig, bufferSize int) transport.IServerTransport {
	return &streamServer{
		connector: connector,
		config:    config,
		workers:   make(chan struct{}, max(1, config.Workers)),
		conns:     xsync.NewMapOf[net.Conn, struct{}](),
		bufferPool: &sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerTransport)
// --------------------------------------------------------------------------

func (t *streamServer) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *streamServer) Listen(ctx context.Context, endpoint string) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}

	// Create listener using the connector
	listener, err := t.connector.Listen(endpoint)
	if err != nil {
		return fmt.Errorf("failed to create listener: %v", err)
	}
	t.listener = listener

	ctx, t.cancel = context.WithCancel(ctx)

	Logger.Infof("Starting %s server on %s with %d workers",
		t.connector.GetName(), listener.Addr(), cap(t.workers))

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		<-ctx.Done()
		_ = listener.Close()
		t.conns.Range(func(conn net.Conn, _ struct{}) bool {
			_ = conn.Close()
			return true
		})
	}()
	go func() {
		defer t.wg.Done()
		t.acceptLoop(ctx)
	}()
	return nil
}

func (t *streamServer) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *streamServer) Close() error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	t.wg.Wait()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// acceptLoop accepts connections until the listener is closed
func (t *streamServer) acceptLoop(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			Logger.Errorf("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		t.conns.Store(conn, struct{}{})
		if ctx.Err() != nil {
			// raced with shutdown after the connections were closed
			t.conns.Delete(conn)
			_ = conn.Close()
			return
		}
		t.wg.Add(1)

		// Handle the connection in a goroutine
		go func() {
			defer t.wg.Done()
			defer t.conns.Delete(conn)
			t.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection reads and processes requests of one connection in order
func (t *streamServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	timeout := time.Duration(t.config.TimeoutSecond) * time.Second

	// Get a buffer from the pool
	buf := t.bufferPool.Get().([]byte)
	defer t.bufferPool.Put(buf)

	// Responses are written synchronously by the handler
	reply := func(resp msg.Message) error {
		data, err := msg.Marshal(resp)
		if err != nil {
			return err
		}
		if timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				return err
			}
		}
		_, err = conn.Write(data)
		return err
	}

	for {
		frame, err := msg.ReadFrame(conn, buf)
		if err != nil {
			switch {
			case isClosed(err) || errors.Is(err, io.ErrUnexpectedEOF) || ctx.Err() != nil:
				Logger.Debugf("Connection from %s closed", peer)
			case errors.Is(err, common.ErrMalformedMessage):
				// the frame boundary is lost, the connection cannot be used anymore
				Logger.Errorf("Corrupt header from %s, closing connection: %v", peer, err)
			default:
				Logger.Warningf("Error reading from %s: %v", peer, err)
			}
			return
		}

		m, err := msg.Deserialize(frame)
		if m == nil {
			Logger.Warningf("Dropping malformed message from %s: %v", peer, err)
			continue
		}
		if err != nil {
			Logger.Warningf("Message from %s: %v", peer, err)
		}

		// Acquire a worker slot (blocks if all workers are busy)
		select {
		case t.workers <- struct{}{}:
		case <-ctx.Done():
			return
		}

		start := time.Now()
		t.handler(ctx, &transport.Request{Msg: m, Peer: peer, Reply: reply})
		<-t.workers

		Logger.Debugf("Processed %s from %s took %s", m.Type(), peer, time.Since(start))
	}
}
