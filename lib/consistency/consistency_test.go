package consistency

import (
	"context"
	"errors"
	"github.com/ThinkParQ/beegfs-sub020/rpc/ack"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport/udp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var key = TargetKey{GroupID: 1, NodeID: 2}

func newRegistry(t *testing.T) *Registry {
	r, err := NewRegistry(nil)
	require.NoError(t, err)
	return r
}

func TestTransitionRules(t *testing.T) {
	tests := []struct {
		from    State
		to      State
		changed bool
		wantErr bool
	}{
		{from: StateGood, to: StateGood},
		{from: StateGood, to: StateNeedsResync, changed: true},
		{from: StateGood, to: StateBad, changed: true},
		{from: StateNeedsResync, to: StateNeedsResync},
		{from: StateNeedsResync, to: StateGood, wantErr: true},
		{from: StateNeedsResync, to: StateBad, changed: true},
		{from: StateBad, to: StateGood, wantErr: true},
		{from: StateBad, to: StateNeedsResync, changed: true},
		{from: StateBad, to: StateBad},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			r := newRegistry(t)
			_, err := r.Override(key, tt.from)
			require.NoError(t, err)

			changed, err := r.Transition(key, tt.to)
			if tt.wantErr {
				require.True(t, errors.Is(err, ErrInvalidTransition))
				require.Equal(t, tt.from, r.State(key))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.changed, changed)
			require.Equal(t, tt.to, r.State(key))
		})
	}
}

func TestDegrade(t *testing.T) {
	tests := []struct {
		from    State
		want    State
		changed bool
	}{
		{from: StateGood, want: StateNeedsResync, changed: true},
		{from: StateNeedsResync, want: StateNeedsResync},
		{from: StateBad, want: StateBad},
	}

	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			r := newRegistry(t)
			_, err := r.Override(key, tt.from)
			require.NoError(t, err)

			changed, err := r.Degrade(key)
			require.NoError(t, err)
			require.Equal(t, tt.changed, changed)
			require.Equal(t, tt.want, r.State(key))
		})
	}
}

func TestCompleteResync(t *testing.T) {
	r := newRegistry(t)

	_, err := r.Transition(key, StateNeedsResync)
	require.NoError(t, err)

	changed, err := r.CompleteResync(key)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, StateGood, r.State(key))

	_, err = r.Transition(key, StateBad)
	require.NoError(t, err)
	_, err = r.CompleteResync(key)
	require.True(t, errors.Is(err, ErrInvalidTransition))
	require.Equal(t, StateBad, r.State(key))
}

func TestTransitionExactlyOnce(t *testing.T) {
	r := newRegistry(t)

	var notified atomic.Int32
	r.Subscribe(func(tr Transition) {
		if tr.To == StateNeedsResync {
			notified.Add(1)
		}
	})

	var changed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.Transition(key, StateNeedsResync)
			if err == nil && ok {
				changed.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), changed.Load())
	require.Equal(t, int32(1), notified.Load())
}

func TestUnknownTargetIsGood(t *testing.T) {
	r := newRegistry(t)
	rec := r.Get(TargetKey{GroupID: 9, NodeID: 9})
	require.Equal(t, StateGood, rec.State)
	require.True(t, rec.LastComm.IsZero())
	require.Empty(t, r.Snapshot())
}

func TestLastComm(t *testing.T) {
	r := newRegistry(t)

	t1 := time.Unix(100, 0)
	t2 := time.Unix(200, 0)
	r.TouchLastComm(key, t2)
	r.TouchLastComm(key, t1)
	require.True(t, r.Get(key).LastComm.Equal(t2), "older timestamps must not win")
	require.Equal(t, StateGood, r.State(key))

	changed, err := r.SetLastComm(key, t1)
	require.NoError(t, err)
	require.True(t, changed)
	require.True(t, r.Get(key).LastComm.Equal(t1))
	require.Equal(t, StateNeedsResync, r.State(key))
}

func TestFilePersister(t *testing.T) {
	path := filepath.Join(t.TempDir(), "states", "targets.yaml")

	r, err := NewRegistry(NewFilePersister(path))
	require.NoError(t, err)

	other := TargetKey{GroupID: 3, NodeID: 4}
	ts := time.Unix(1700000000, 123)
	_, err = r.Transition(key, StateNeedsResync)
	require.NoError(t, err)
	_, err = r.SetLastComm(other, ts)
	require.NoError(t, err)
	_, err = r.Transition(other, StateBad)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	reloaded, err := NewRegistry(NewFilePersister(path))
	require.NoError(t, err)

	require.Equal(t, StateNeedsResync, reloaded.State(key))
	require.Equal(t, StateBad, reloaded.State(other))
	require.True(t, reloaded.Get(other).LastComm.Equal(ts))
	require.Len(t, reloaded.Snapshot(), 2)
}

func TestFilePersisterMissingFile(t *testing.T) {
	p := NewFilePersister(filepath.Join(t.TempDir(), "none.yaml"))
	recs, err := p.Load()
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestApplyIsRemote(t *testing.T) {
	r := newRegistry(t)

	var got []Transition
	r.Subscribe(func(tr Transition) { got = append(got, tr) })

	r.Apply([]Record{{Key: key, State: StateNeedsResync, LastComm: time.Unix(5, 0)}})
	require.Equal(t, StateNeedsResync, r.State(key))
	require.Len(t, got, 1)
	require.True(t, got[0].Remote)
}

func TestApplyFollowsRules(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		want    State
		skipped int
	}{
		{"good to needs resync", StateGood, StateNeedsResync, StateNeedsResync, 0},
		{"resync finished", StateNeedsResync, StateGood, StateGood, 0},
		{"bad", StateNeedsResync, StateBad, StateBad, 0},
		{"bad to needs resync", StateBad, StateNeedsResync, StateNeedsResync, 0},
		{"bad to good", StateBad, StateGood, StateBad, 1},
		{"unchanged", StateBad, StateBad, StateBad, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRegistry(t)
			_, err := r.Override(key, tt.from)
			require.NoError(t, err)

			skipped := r.Apply([]Record{{Key: key, State: tt.to, LastComm: time.Unix(9, 0)}})
			require.Equal(t, tt.skipped, skipped)
			require.Equal(t, tt.want, r.State(key))
			require.Equal(t, tt.skipped == 0, r.Get(key).LastComm.Equal(time.Unix(9, 0)))
		})
	}
}

func TestWireConversion(t *testing.T) {
	rec := Record{Key: key, State: StateBad, LastComm: time.Unix(0, 42)}
	back, err := RecordFromWire(rec.ToWire())
	require.NoError(t, err)
	require.Equal(t, rec.Key, back.Key)
	require.Equal(t, rec.State, back.State)
	require.True(t, rec.LastComm.Equal(back.LastComm))

	_, err = RecordFromWire(msg.TargetState{State: 17})
	require.Error(t, err)

	for _, s := range []State{StateGood, StateNeedsResync, StateBad} {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
}

func TestReporter(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	// monitor: records reported states and acks them
	monitorStore := ack.NewStore()
	monitorRecv := ack.NewReceiver(monitorStore, time.Minute)
	defer monitorRecv.Close()

	reports := make(chan *msg.TargetStatesNotify, 16)
	monitor := udp.NewEndpoint(2)
	monitor.RegisterHandler(monitorRecv.Wrap(func(_ context.Context, req *transport.Request) {
		if n, ok := req.Msg.(*msg.TargetStatesNotify); ok {
			reports <- n
		}
	}))
	require.NoError(t, monitor.Listen(context.Background(), "127.0.0.1:0"))
	defer monitor.Close()

	// reporting node
	store := ack.NewStore()
	recv := ack.NewReceiver(store, time.Minute)
	defer recv.Close()
	ep := udp.NewEndpoint(2)
	ep.RegisterHandler(recv.Wrap(func(context.Context, *transport.Request) {}))
	require.NoError(t, ep.Listen(context.Background(), "127.0.0.1:0"))
	defer ep.Close()

	registry := newRegistry(t)
	sender := ack.NewSender(store, ep, common.AckConfig{Timeout: 200 * time.Millisecond, Retries: 3})
	reporter := NewReporter(5, registry, sender, []string{monitor.Addr().String()}, 50*time.Millisecond)
	reporter.Start(context.Background())
	defer reporter.Close()

	// initial report
	select {
	case n := <-reports:
		require.Equal(t, uint32(5), n.ReporterID)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial report")
	}

	_, err := registry.Transition(key, StateNeedsResync)
	require.NoError(t, err)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-reports:
			if len(n.States) == 1 && n.States[0].State == uint8(StateNeedsResync) {
				require.Equal(t, key.NodeID, n.States[0].NodeID)
				return
			}
		case <-deadline:
			t.Fatal("transition not reported")
		}
	}
}
