package ack

import (
	"context"
	"errors"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport/udp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"sync/atomic"
	"testing"
	"time"
)

// lossyOut drops the first drop sends
type lossyOut struct {
	out  IDatagramSender
	drop int32
	sent atomic.Int32
}

func (l *lossyOut) Send(addr string, m msg.Message) error {
	if l.sent.Add(1) <= l.drop {
		return nil
	}
	return l.out.Send(addr, m)
}

type peer struct {
	store    *Store
	receiver *Receiver
	endpoint *udp.Endpoint
}

// newPeer starts an endpoint whose non-ack traffic is passed to inner.
// filter may drop inbound messages before the receiver sees them.
func newPeer(t *testing.T, inner transport.ServerHandleFunc, filter func(m msg.Message) bool) *peer {
	t.Helper()

	p := &peer{store: NewStore(), endpoint: udp.NewEndpoint(4)}
	p.receiver = NewReceiver(p.store, time.Minute)
	handler := p.receiver.Wrap(inner)
	p.endpoint.RegisterHandler(func(ctx context.Context, req *transport.Request) {
		if filter != nil && !filter(req.Msg) {
			return
		}
		handler(ctx, req)
	})
	require.NoError(t, p.endpoint.Listen(context.Background(), "127.0.0.1:0"))

	t.Cleanup(func() {
		_ = p.endpoint.Close()
		p.receiver.Close()
	})
	return p
}

func testAckConfig() common.AckConfig {
	return common.AckConfig{Timeout: 200 * time.Millisecond, Retries: 5}
}

// verifyNoLeaks must be called before newPeer so it runs after the peers are closed
func verifyNoLeaks(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })
}

func noop(context.Context, *transport.Request) {}

func TestStoreIDs(t *testing.T) {
	s1, s2 := NewStore(), NewStore()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		for _, s := range []*Store{s1, s2} {
			id := s.NextID()
			require.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}
	}
}

func TestStoreResolve(t *testing.T) {
	s := NewStore()
	id := s.NextID()

	done := s.Register(id)
	require.Equal(t, 1, s.Len())

	require.True(t, s.Resolve(id))
	require.False(t, s.Resolve(id), "second resolve must not find the entry")
	require.Equal(t, 0, s.Len())

	select {
	case <-done:
	default:
		t.Fatal("wait channel not closed")
	}

	s.Register("other")
	s.Remove("other")
	require.False(t, s.Resolve("other"))
}

func TestDeliveryUnderLoss(t *testing.T) {
	verifyNoLeaks(t)

	var processed atomic.Int32
	receiver := newPeer(t, func(ctx context.Context, req *transport.Request) {
		processed.Add(1)
	}, nil)
	sender := newPeer(t, noop, nil)

	out := &lossyOut{out: sender.endpoint, drop: 2}
	s := NewSender(sender.store, out, testAckConfig())

	m := &msg.TargetStatesNotify{ReporterID: 7}
	err := s.Send(context.Background(), receiver.endpoint.Addr().String(), m)
	require.NoError(t, err)

	require.Equal(t, int32(3), out.sent.Load())
	require.Equal(t, int32(1), processed.Load())
	require.Equal(t, 0, sender.store.Len())
	require.True(t, m.Header().Flags.Has(msg.FlagHasAckID))
}

func TestLostAckIsProcessedOnce(t *testing.T) {
	verifyNoLeaks(t)

	var processed atomic.Int32
	receiver := newPeer(t, func(ctx context.Context, req *transport.Request) {
		processed.Add(1)
	}, nil)

	// drop the first two acks arriving at the sender
	var acks atomic.Int32
	sender := newPeer(t, noop, func(m msg.Message) bool {
		if m.Type() != msg.MsgTAck {
			return true
		}
		return acks.Add(1) > 2
	})

	s := NewSender(sender.store, sender.endpoint, testAckConfig())
	err := s.Send(context.Background(), receiver.endpoint.Addr().String(), &msg.TargetStatesNotify{ReporterID: 7})
	require.NoError(t, err)

	require.GreaterOrEqual(t, acks.Load(), int32(3))
	require.Equal(t, int32(1), processed.Load(), "duplicates must not reach the handler")
}

func TestRetriesExhausted(t *testing.T) {
	verifyNoLeaks(t)

	var processed atomic.Int32
	receiver := newPeer(t, func(ctx context.Context, req *transport.Request) {
		processed.Add(1)
	}, nil)
	sender := newPeer(t, noop, nil)

	out := &lossyOut{out: sender.endpoint, drop: 100}
	config := common.AckConfig{Timeout: 20 * time.Millisecond, Retries: 3}
	s := NewSender(sender.store, out, config)

	err := s.Send(context.Background(), receiver.endpoint.Addr().String(), &msg.TargetStatesNotify{})
	require.Error(t, err)
	require.True(t, errors.Is(err, common.ErrCommunication))

	require.Equal(t, int32(4), out.sent.Load(), "initial send plus retries")
	require.Equal(t, int32(0), processed.Load())
	require.Equal(t, 0, sender.store.Len())
}

func TestSendCancelled(t *testing.T) {
	verifyNoLeaks(t)

	sender := newPeer(t, noop, nil)
	out := &lossyOut{out: sender.endpoint, drop: 100}
	s := NewSender(sender.store, out, common.AckConfig{Timeout: time.Hour, Retries: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Send(ctx, "127.0.0.1:9", &msg.TargetStatesNotify{})
	require.True(t, errors.Is(err, common.ErrCommunication))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Equal(t, 0, sender.store.Len())
}

func TestSendNotAcknowledgeable(t *testing.T) {
	s := NewSender(NewStore(), &lossyOut{drop: 100}, testAckConfig())
	err := s.Send(context.Background(), "127.0.0.1:9", &msg.Stat{})
	require.True(t, errors.Is(err, common.ErrMalformedMessage))
}
