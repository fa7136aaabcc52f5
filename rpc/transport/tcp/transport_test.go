package tcp

import (
	"context"
	"encoding/binary"
	"errors"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"io"
	"net"
	"testing"
	"time"
)

// statHandler answers Stat requests with the requested entry id
func statHandler(_ context.Context, req *transport.Request) {
	if stat, ok := req.Msg.(*msg.Stat); ok {
		_ = req.Reply(&msg.StatResp{Result: msg.ResultSuccess, Entry: msg.EntryInfo{ID: stat.EntryID}})
	}
}

func startServer(t *testing.T, handler transport.ServerHandleFunc) transport.IServerTransport {
	srv := NewTCPServerTransport(common.ServerConfig{Workers: 4, TimeoutSecond: 5})
	srv.RegisterHandler(handler)
	require.NoError(t, srv.Listen(context.Background(), "127.0.0.1:0"))
	return srv
}

func testClientConfig(conns int) common.ClientConfig {
	cfg := common.DefaultClientConfig()
	cfg.TimeoutSecond = 5
	cfg.Transport.ConnectionsPerEndpoint = conns
	return cfg
}

func TestExchange(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := startServer(t, statHandler)
	defer srv.Close()

	pool := NewTCPConnPool(srv.Addr().String(), testClientConfig(2))
	defer pool.Close()

	for i, id := range []string{"a", "b", "c"} {
		req, err := msg.Marshal(&msg.Stat{EntryID: id})
		require.NoError(t, err)

		conn, err := pool.Acquire(context.Background())
		require.NoError(t, err)

		resp, err := conn.Exchange(context.Background(), req)
		require.NoError(t, err, "request %d", i)
		pool.Release(conn)

		statResp, ok := resp.(*msg.StatResp)
		require.True(t, ok, "unexpected response %T", resp)
		require.Equal(t, id, statResp.Entry.ID)
	}

	// sequential requests reuse the same connection
	open, idle := pool.Stats()
	require.Equal(t, 1, open)
	require.Equal(t, 1, idle)
}

func TestPoolExhaustion(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := startServer(t, statHandler)
	defer srv.Close()

	pool := NewTCPConnPool(srv.Addr().String(), testClientConfig(1))
	defer pool.Close()

	first, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	// the pool is exhausted, Acquire blocks until the context expires
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	require.True(t, errors.Is(err, common.ErrCommunication), "unexpected error: %v", err)

	// a release wakes up a waiting Acquire
	acquired := make(chan transport.IConn)
	go func() {
		c, err := pool.Acquire(context.Background())
		if err != nil {
			close(acquired)
			return
		}
		acquired <- c
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Release(first)

	select {
	case c, ok := <-acquired:
		require.True(t, ok, "acquire failed after release")
		pool.Invalidate(c)
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not return after Release")
	}

	open, _ := pool.Stats()
	require.Equal(t, 0, open)
}

func TestConnectionRefused(t *testing.T) {
	// reserve a port and close it again
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	pool := NewTCPConnPool(addr, testClientConfig(1))
	defer pool.Close()

	_, err = pool.Acquire(context.Background())
	require.True(t, errors.Is(err, common.ErrCommunication), "unexpected error: %v", err)

	open, _ := pool.Stats()
	require.Equal(t, 0, open, "failed dial must not leak a pool slot")
}

func TestCorruptHeaderClosesConnection(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := startServer(t, statHandler)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	header := make([]byte, msg.FixedHeaderLen())
	binary.BigEndian.PutUint16(header[0:2], uint16(msg.MsgTStat))
	binary.BigEndian.PutUint32(header[2:6], 0xFFFFFFFF)
	_, err = conn.Write(header)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestMalformedPayloadKeepsConnection(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv := startServer(t, statHandler)
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// StartResync with an invalid bool value, the frame itself is intact
	bad, err := msg.Marshal(&msg.StartResync{GroupID: 1})
	require.NoError(t, err)
	bad[msg.FixedHeaderLen()+2] = 7

	good, err := msg.Marshal(&msg.Stat{EntryID: "still-alive"})
	require.NoError(t, err)

	_, err = conn.Write(append(bad, good...))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	frame, err := msg.ReadFrame(conn, nil)
	require.NoError(t, err)

	resp, err := msg.Deserialize(frame)
	require.NoError(t, err)
	require.Equal(t, "still-alive", resp.(*msg.StatResp).Entry.ID)
}
