package ack

import (
	"context"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"time"
)

// IDatagramSender sends one message over the connectionless transport.
// It is implemented by udp.Endpoint.
type IDatagramSender interface {
	Send(addr string, m msg.Message) error
}

// Sender delivers acknowledgeable messages at least once
type Sender struct {
	store  *Store
	out    IDatagramSender
	config common.AckConfig
}

// NewSender creates a sender. Acks for the messages sent through out must be
// passed to store.Resolve, which Receiver does for the endpoint's inbound traffic.
func NewSender(store *Store, out IDatagramSender, config common.AckConfig) *Sender {
	return &Sender{store: store, out: out, config: config}
}

// Send assigns an ack-ID to m and sends it to addr until the ack arrives.
// After the initial send it resends up to config.Retries times, waiting
// config.Timeout for the ack after every send. It fails with a
// CommunicationError when all attempts are exhausted or ctx is done.
func (s *Sender) Send(ctx context.Context, addr string, m msg.Message) error {
	if !msg.Supports(m.Type(), msg.FeatAckID) {
		return common.NewError(common.ErrCMalformedMessage, "%s is not acknowledgeable", m.Type())
	}

	id := s.store.NextID()
	m.Header().SetAckID(id)

	done := s.store.Register(id)
	defer s.store.Remove(id)

	timeout := s.config.Timeout
	if timeout <= 0 {
		timeout = common.DefaultAckTimeout
	}
	attempts := 1 + max(0, s.config.Retries)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.out.Send(addr, m); err != nil {
			// a failed send is treated like a lost datagram
			Logger.Debugf("Sending %s (%s) to %s failed: %v", m.Type(), id, addr, err)
		}

		timer.Reset(timeout)
		select {
		case <-done:
			return nil
		case <-timer.C:
			Logger.Debugf("No ack for %s (%s) from %s, attempt %d/%d", m.Type(), id, addr, attempt, attempts)
		case <-ctx.Done():
			return common.WrapError(common.ErrCCommunication, ctx.Err(), "waiting for ack %s from %s", id, addr)
		}
	}
	return common.NewError(common.ErrCCommunication, "no ack for %s (%s) from %s after %d attempts", m.Type(), id, addr, attempts)
}
