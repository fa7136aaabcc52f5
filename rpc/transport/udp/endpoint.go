package udp

import (
	"context"
	"errors"
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"net"
	"sync"
	"time"
)

var Logger = logger.GetLogger("transport/rpc")

// Endpoint is a connectionless transport. Every packet carries exactly one
// message. The endpoint both serves inbound messages and sends outbound ones
// from the same socket, so replies to sent messages (e.g. acks) arrive at
// the handler registered with RegisterHandler.
type Endpoint struct {
	handler transport.ServerHandleFunc
	conn    *net.UDPConn
	workers chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEndpoint creates a datagram endpoint that processes at most workers
// messages concurrently
func NewEndpoint(workers int) *Endpoint {
	return &Endpoint{workers: make(chan struct{}, max(1, workers))}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerTransport)
// --------------------------------------------------------------------------

func (e *Endpoint) RegisterHandler(handler transport.ServerHandleFunc) {
	e.handler = handler
}

func (e *Endpoint) Listen(ctx context.Context, endpoint string) error {
	if e.handler == nil {
		return fmt.Errorf("no handler registered")
	}

	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return fmt.Errorf("invalid datagram endpoint %q: %v", endpoint, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to create UDP socket: %v", err)
	}
	e.conn = conn

	ctx, e.cancel = context.WithCancel(ctx)
	Logger.Infof("Starting udp endpoint on %s", conn.LocalAddr())

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer e.wg.Done()
		e.readLoop(ctx)
	}()
	return nil
}

func (e *Endpoint) Addr() net.Addr {
	if e.conn == nil {
		return nil
	}
	return e.conn.LocalAddr()
}

func (e *Endpoint) Close() error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	return nil
}

// --------------------------------------------------------------------------
// Sending
// --------------------------------------------------------------------------

// Send serializes m and sends it to addr from the endpoint's socket
func (e *Endpoint) Send(addr string, m msg.Message) error {
	if e.conn == nil {
		return common.NewError(common.ErrCCommunication, "datagram endpoint not listening")
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return common.WrapError(common.ErrCCommunication, err, "invalid datagram address %q", addr)
	}
	return e.sendTo(raddr, m)
}

func (e *Endpoint) sendTo(addr *net.UDPAddr, m msg.Message) error {
	data, err := marshal(m)
	if err != nil {
		return err
	}
	if _, err := e.conn.WriteToUDP(data, addr); err != nil {
		return common.WrapError(common.ErrCCommunication, err, "failed to send %s to %s", m.Type(), addr)
	}
	return nil
}

// Request sends req from a new ephemeral socket and waits for one response.
// It makes exactly one attempt; callers implement retries.
func Request(ctx context.Context, addr string, req msg.Message) (msg.Message, error) {
	data, err := marshal(req)
	if err != nil {
		return nil, err
	}
	return Exchange(ctx, addr, data)
}

// Exchange is Request for an already serialized message
func Exchange(ctx context.Context, addr string, data []byte) (msg.Message, error) {
	if len(data) > msg.MaxDatagramSize {
		return nil, common.NewError(common.ErrCMalformedMessage, "message exceeds the datagram size (%d bytes)", len(data))
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, common.WrapError(common.ErrCCommunication, err, "invalid datagram address %q", addr)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, common.WrapError(common.ErrCCommunication, err, "failed to create UDP socket")
	}
	defer conn.Close()

	// Unblock the read when ctx is done
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := conn.WriteToUDP(data, raddr); err != nil {
		return nil, common.WrapError(common.ErrCCommunication, err, "failed to send datagram to %s", addr)
	}

	buf := make([]byte, msg.MaxDatagramSize)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, common.WrapError(common.ErrCCommunication, err, "no response from %s", addr)
	}

	resp, err := msg.Deserialize(buf[:n])
	if err != nil {
		return nil, common.WrapError(common.ErrCProtocolViolation, err, "invalid response from %s", addr)
	}
	return resp, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// marshal serializes m and checks that it fits into one datagram
func marshal(m msg.Message) ([]byte, error) {
	data, err := msg.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > msg.MaxDatagramSize {
		return nil, common.NewError(common.ErrCMalformedMessage, "%s exceeds the datagram size (%d bytes)", m.Type(), len(data))
	}
	return data, nil
}

// readLoop decodes packets and dispatches them to the handler
func (e *Endpoint) readLoop(ctx context.Context) {
	buf := make([]byte, msg.MaxDatagramSize)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			Logger.Warningf("Datagram read error: %v", err)
			continue
		}

		// Deserialize copies all fields, buf can be reused afterwards
		m, err := msg.Deserialize(buf[:n])
		if m == nil {
			Logger.Warningf("Dropping malformed datagram from %s: %v", addr, err)
			continue
		}
		if err != nil {
			Logger.Warningf("Datagram from %s: %v", addr, err)
		}

		select {
		case e.workers <- struct{}{}:
		case <-ctx.Done():
			return
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer func() { <-e.workers }()

			reply := func(resp msg.Message) error {
				return e.sendTo(addr, resp)
			}
			e.handler(ctx, &transport.Request{Msg: m, Peer: addr.String(), Datagram: true, Reply: reply})
		}()
	}
}
