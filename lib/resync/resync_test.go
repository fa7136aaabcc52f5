package resync

import (
	"context"
	"errors"
	"github.com/ThinkParQ/beegfs-sub020/lib/consistency"
	"github.com/ThinkParQ/beegfs-sub020/lib/lockstore"
	"github.com/ThinkParQ/beegfs-sub020/lib/meta"
	"github.com/ThinkParQ/beegfs-sub020/rpc/client"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"sync/atomic"
	"testing"
	"time"
)

var target = consistency.TargetKey{GroupID: 1, NodeID: 2}

type groups struct{}

func (groups) Buddy(_ uint16, self uint32) (uint32, bool) { return 3 - self, true }

func (groups) IsPrimary(groupID uint16, self uint32) bool { return groupID == 1 && self == 1 }

func (groups) GroupIDs() []uint16 { return []uint16{1} }

// link delivers resync traffic to the secondary's meta service
type link struct {
	secondary *meta.Service
	fail      func(m msg.Message) error // injected failure, if set
	gate      chan struct{}             // ResyncEntry waits for it, if set
	entered   chan struct{}             // signalled by gated entries, if set
	entries   atomic.Int32
}

func (l *link) RequestResponse(ctx context.Context, _ uint32, req msg.Message, respType msg.MsgType, _ ...client.Option) (msg.Message, error) {
	if l.fail != nil {
		if err := l.fail(req); err != nil {
			return nil, err
		}
	}

	var handle transport.ServerHandleFunc
	switch req.(type) {
	case *msg.GetTargetStates:
		return &msg.GetTargetStatesResp{}, nil
	case *msg.ResyncBegin:
		handle = l.secondary.HandleResyncBegin
	case *msg.ResyncEntry:
		if l.gate != nil {
			if l.entered != nil {
				select {
				case l.entered <- struct{}{}:
				default:
				}
			}
			select {
			case <-l.gate:
			case <-ctx.Done():
				return nil, common.WrapError(common.ErrCCommunication, ctx.Err(), "aborted")
			}
		}
		l.entries.Add(1)
		handle = l.secondary.HandleResyncEntry
	case *msg.ResyncFinish:
		handle = l.secondary.HandleResyncFinish
	default:
		return nil, common.NewError(common.ErrCProtocolViolation, "unexpected %s", req.Type())
	}

	var resp msg.Message
	handle(ctx, &transport.Request{Msg: req, Peer: "primary", Reply: func(m msg.Message) error {
		resp = m
		return nil
	}})
	if resp.Type() != respType {
		return nil, common.NewError(common.ErrCProtocolViolation, "expected %s, got %s", respType, resp.Type())
	}
	return resp, nil
}

func (l *link) DatagramRequest(context.Context, uint32, msg.Message, msg.MsgType, ...client.Option) (msg.Message, error) {
	return nil, common.NewError(common.ErrCCommunication, "not supported")
}

// brokenSource fails to read one entry
type brokenSource struct {
	ISource
	bad string
}

func (b brokenSource) Entry(id string) (msg.EntryInfo, bool, error) {
	if id == b.bad {
		return msg.EntryInfo{}, false, errors.New("disk read failed")
	}
	return b.ISource.Entry(id)
}

type env struct {
	primary   *meta.Service
	secondary *meta.Service
	states    *consistency.Registry
	locks     lockstore.ILockStore
	link      *link
	m         *Manager
}

func newEnv(t *testing.T, wrap func(ISource) ISource) *env {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	locks := lockstore.NewLockStore()
	primary := meta.NewService(meta.NewNamespace(true), locks)
	ns := primary.Namespace()
	for _, e := range []msg.EntryInfo{
		{ID: "a", ParentID: meta.RootID, Name: "a", Type: msg.EntryTypeDir, Mirrored: true},
		{ID: "b", ParentID: "a", Name: "b", Type: msg.EntryTypeDir, Mirrored: true},
		{ID: "c", ParentID: meta.RootID, Name: "c", Type: msg.EntryTypeDir, Mirrored: true},
	} {
		require.Equal(t, msg.ResultSuccess, ns.Create(e, false))
	}

	secondary := meta.NewService(meta.NewNamespace(true), lockstore.NewLockStore())
	require.Equal(t, msg.ResultSuccess, secondary.Namespace().Create(msg.EntryInfo{
		ID: "stale", ParentID: meta.RootID, Name: "stale", Type: msg.EntryTypeDir,
	}, false))

	states, err := consistency.NewRegistry(nil)
	require.NoError(t, err)
	_, err = states.Transition(target, consistency.StateNeedsResync)
	require.NoError(t, err)

	var source ISource = primary
	if wrap != nil {
		source = wrap(primary)
	}
	l := &link{secondary: secondary}
	m := NewManager(Config{NodeID: 1, Workers: 2}, groups{}, states, locks, l, source)
	t.Cleanup(func() { _ = m.Close() })

	return &env{primary: primary, secondary: secondary, states: states, locks: locks, link: l, m: m}
}

func wait(t *testing.T, job *Job) {
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", job.ID)
	}
}

func TestResyncSucceeds(t *testing.T) {
	e := newEnv(t, nil)

	job, err := e.m.Start(1)
	require.NoError(t, err)
	wait(t, job)

	require.Equal(t, StatusSucceeded, job.Status())
	require.NoError(t, job.Err())
	require.Equal(t, consistency.StateGood, e.states.State(target))

	info := job.Info()
	require.Equal(t, uint64(4), info.Synced)
	require.Equal(t, uint64(1), info.Pruned)
	require.Equal(t, "succeeded", info.Status)

	p, s := e.primary.Namespace(), e.secondary.Namespace()
	require.Equal(t, p.IDs(), s.IDs())
	for _, id := range p.IDs() {
		pe, _ := p.Get(id)
		se, _ := s.Get(id)
		require.Equal(t, pe, se)
	}
}

func TestResyncOutcomes(t *testing.T) {
	commErr := common.NewError(common.ErrCCommunication, "connection reset")

	tests := []struct {
		name   string
		wrap   func(ISource) ISource
		fail   func(msg.Message) error
		status Status
		state  consistency.State
	}{
		{
			name:   "begin unreachable",
			fail:   func(msg.Message) error { return commErr },
			status: StatusFailed,
			state:  consistency.StateNeedsResync,
		},
		{
			name: "entry unreachable",
			fail: func(m msg.Message) error {
				if e, ok := m.(*msg.ResyncEntry); ok && e.Entry.ID == "b" {
					return commErr
				}
				return nil
			},
			status: StatusFailed,
			state:  consistency.StateNeedsResync,
		},
		{
			name: "finish unreachable",
			fail: func(m msg.Message) error {
				if m.Type() == msg.MsgTResyncFinish {
					return commErr
				}
				return nil
			},
			status: StatusFailed,
			state:  consistency.StateNeedsResync,
		},
		{
			name:   "local source fails",
			wrap:   func(s ISource) ISource { return brokenSource{ISource: s, bad: "b"} },
			status: StatusBroken,
			state:  consistency.StateBad,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.wrap)
			e.link.fail = tt.fail

			job, err := e.m.Start(1)
			require.NoError(t, err)
			wait(t, job)

			require.Equal(t, tt.status, job.Status())
			require.Error(t, job.Err())
			require.Equal(t, tt.state, e.states.State(target))
		})
	}
}

func TestStartRules(t *testing.T) {
	e := newEnv(t, nil)
	e.link.gate = make(chan struct{})

	_, err := e.m.Start(2)
	require.True(t, errors.Is(err, ErrNotPrimary))

	job, err := e.m.Start(1)
	require.NoError(t, err)

	_, err = e.m.Start(1)
	require.True(t, errors.Is(err, ErrJobRunning))

	close(e.link.gate)
	wait(t, job)
	require.Equal(t, StatusSucceeded, job.Status())

	// a finished job does not block the next one
	next, err := e.m.Start(1)
	require.NoError(t, err)
	wait(t, next)
	require.NotEqual(t, job.ID, next.ID)

	jobs := e.m.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, next.ID, jobs[0].ID)
}

func TestStartFromBad(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.states.Transition(target, consistency.StateBad)
	require.NoError(t, err)

	job, err := e.m.Start(1)
	require.NoError(t, err)
	wait(t, job)
	require.Equal(t, consistency.StateGood, e.states.State(target))
}

func TestAbort(t *testing.T) {
	e := newEnv(t, nil)
	e.link.gate = make(chan struct{})
	e.link.entered = make(chan struct{}, 1)

	require.False(t, e.m.Abort(1))

	job, err := e.m.Start(1)
	require.NoError(t, err)
	<-e.link.entered

	require.True(t, e.m.Abort(1))
	require.Equal(t, StatusAborted, job.Status())
	require.Equal(t, consistency.StateNeedsResync, e.states.State(target))
	require.False(t, e.m.Abort(1))
}

func TestOverrideLastComm(t *testing.T) {
	e := newEnv(t, nil)
	e.link.gate = make(chan struct{})
	e.link.entered = make(chan struct{}, 1)

	job, err := e.m.Start(1)
	require.NoError(t, err)
	<-e.link.entered

	ts := time.Unix(1700000000, 0)
	require.NoError(t, e.m.OverrideLastComm(1, ts))
	require.Equal(t, StatusAborted, job.Status())

	rec := e.states.Get(target)
	require.Equal(t, consistency.StateNeedsResync, rec.State)
	require.True(t, rec.LastComm.Equal(ts))

	require.True(t, errors.Is(e.m.OverrideLastComm(2, ts), ErrNotPrimary))
}

func TestForwardFailureDuringJob(t *testing.T) {
	e := newEnv(t, nil)
	e.link.gate = make(chan struct{})
	e.link.entered = make(chan struct{}, 1)

	job, err := e.m.Start(1)
	require.NoError(t, err)
	<-e.link.entered

	e.m.NoteForwardFailure(consistency.TargetKey{GroupID: 1, NodeID: 9}) // other target
	e.m.NoteForwardFailure(target)
	close(e.link.gate)
	wait(t, job)

	require.Equal(t, StatusFailed, job.Status())
	require.Equal(t, consistency.StateNeedsResync, e.states.State(target))
}

func TestCloseAbortsJobs(t *testing.T) {
	e := newEnv(t, nil)
	e.link.gate = make(chan struct{})
	e.link.entered = make(chan struct{}, 1)

	job, err := e.m.Start(1)
	require.NoError(t, err)
	<-e.link.entered

	require.NoError(t, e.m.Close())
	require.Equal(t, StatusAborted, job.Status())

	_, err = e.m.Start(1)
	require.Error(t, err)
}

func TestCheckBuddies(t *testing.T) {
	commErr := common.NewError(common.ErrCCommunication, "connection refused")

	tests := []struct {
		name  string
		state consistency.State
		down  bool
		want  int
	}{
		{"needs resync", consistency.StateNeedsResync, false, 1},
		{"unreachable", consistency.StateNeedsResync, true, 0},
		{"good", consistency.StateGood, false, 0},
		{"bad", consistency.StateBad, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, nil)
			_, err := e.states.Override(target, tt.state)
			require.NoError(t, err)
			if tt.down {
				e.link.fail = func(msg.Message) error { return commErr }
			}

			jobs := e.m.CheckBuddies(context.Background())
			require.Len(t, jobs, tt.want)
			for _, job := range jobs {
				wait(t, job)
				require.Equal(t, StatusSucceeded, job.Status())
			}
			if tt.want == 0 {
				require.Equal(t, tt.state, e.states.State(target))
			}
		})
	}
}

func TestCheckerResyncsReturningBuddy(t *testing.T) {
	e := newEnv(t, nil)

	var down atomic.Bool
	down.Store(true)
	e.link.fail = func(msg.Message) error {
		if down.Load() {
			return common.NewError(common.ErrCCommunication, "connection refused")
		}
		return nil
	}

	m := NewManager(Config{NodeID: 1, Workers: 2, CheckInterval: 10 * time.Millisecond}, groups{}, e.states, e.locks, e.link, e.primary)
	defer m.Close()
	m.StartChecker()

	// nothing is started while the secondary is unreachable
	time.Sleep(50 * time.Millisecond)
	_, ok := m.Job(1)
	require.False(t, ok)
	require.Equal(t, consistency.StateNeedsResync, e.states.State(target))

	down.Store(false)
	require.Eventually(t, func() bool {
		job, ok := m.Job(1)
		return ok && job.Status() == StatusSucceeded
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, consistency.StateGood, e.states.State(target))
	require.Equal(t, e.primary.Namespace().IDs(), e.secondary.Namespace().IDs())
}
