package mirror

import (
	"context"
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/lib/consistency"
	"github.com/ThinkParQ/beegfs-sub020/lib/lockstore"
	"github.com/ThinkParQ/beegfs-sub020/rpc/client"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/stretchr/testify/require"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	primaryID   = 1
	secondaryID = 2
	groupID     = 1
)

var buddyKey = consistency.TargetKey{GroupID: groupID, NodeID: secondaryID}

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

type fakeGroups struct {
	buddy uint32
}

func (g fakeGroups) Buddy(_ uint16, _ uint32) (uint32, bool) {
	return g.buddy, g.buddy != 0
}

type call struct {
	nodeID   uint32
	req      msg.Message
	respType msg.MsgType
	opts     int
}

// fakeRequester answers every request with respond and records the calls
type fakeRequester struct {
	mu      sync.Mutex
	calls   []call
	respond func(req msg.Message) (msg.Message, error)
}

func (f *fakeRequester) RequestResponse(_ context.Context, nodeID uint32, req msg.Message, respType msg.MsgType, opts ...client.Option) (msg.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{nodeID: nodeID, req: req, respType: respType, opts: len(opts)})
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeRequester) DatagramRequest(context.Context, uint32, msg.Message, msg.MsgType, ...client.Option) (msg.Message, error) {
	return nil, common.NewError(common.ErrCCommunication, "no datagrams in this test")
}

func (f *fakeRequester) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func secondaryAnswers(result msg.Result) func(msg.Message) (msg.Message, error) {
	return func(req msg.Message) (msg.Message, error) {
		if req.Type() == msg.MsgTAckNotify {
			return &msg.AckNotifyResp{Result: result}, nil
		}
		return &msg.MirrorResp{Result: result}, nil
	}
}

type testState struct {
	result     msg.Result
	observable bool
	entryID    string
}

func (s testState) Result() msg.Result { return s.result }

func (s testState) ChangesObservableState() bool { return s.observable }

func (s testState) ClientResponse() msg.Message {
	return &msg.MkDirResp{Result: s.result, EntryID: s.entryID}
}

func (s testState) SecondaryResponse() msg.Message { return &msg.MirrorResp{Result: s.result} }

// mkdirHandler is a scripted MkDir operation
type mkdirHandler struct {
	unmirrored bool
	result     msg.Result
	unchanged  bool

	entered chan struct{} // signalled when ExecuteLocally starts, if set
	block   chan struct{} // ExecuteLocally waits for it, if set

	primary   atomic.Int32
	secondary atomic.Int32
}

func (h *mkdirHandler) IsMirrored(*msg.MkDir) bool { return !h.unmirrored }

func (h *mkdirHandler) Locks(req *msg.MkDir) []lockstore.Request {
	return []lockstore.Request{
		lockstore.Exclusive(lockstore.NameKey(req.ParentID, req.Name)),
		lockstore.Shared(lockstore.DirKey(req.ParentID)),
	}
}

func (h *mkdirHandler) ExecuteLocally(_ context.Context, req *msg.MkDir, isSecondary bool) ResponseState {
	if h.entered != nil {
		h.entered <- struct{}{}
	}
	if h.block != nil {
		<-h.block
	}
	if isSecondary {
		h.secondary.Add(1)
	} else {
		h.primary.Add(1)
		req.EntryID = "id-" + req.Name
	}
	return testState{result: h.result, observable: !h.unchanged, entryID: req.EntryID}
}

func (h *mkdirHandler) ForwardMessage(req *msg.MkDir) msg.MirroredMessage {
	return &msg.MkDir{ParentID: req.ParentID, Name: req.Name, EntryID: req.EntryID}
}

func (h *mkdirHandler) ProcessSecondaryResponse(resp msg.Message) msg.Result {
	return resp.(*msg.MirrorResp).Result
}

func newProcessor(t *testing.T, groups IGroupResolver, req client.IRequester) (*Processor, *consistency.Registry, lockstore.ILockStore) {
	states, err := consistency.NewRegistry(nil)
	require.NoError(t, err)
	locks := lockstore.NewLockStore()
	p := NewProcessor(Config{NodeID: primaryID, GroupID: groupID}, groups, locks, states, req)
	return p, states, locks
}

func mkdir(name string) *msg.MkDir {
	m := &msg.MkDir{ParentID: "root", Name: name}
	m.SetRequestor(42)
	return m
}

// --------------------------------------------------------------------------
// Primary
// --------------------------------------------------------------------------

func TestPrimaryForwards(t *testing.T) {
	r := &fakeRequester{respond: secondaryAnswers(msg.ResultSuccess)}
	p, states, _ := newProcessor(t, fakeGroups{buddy: secondaryID}, r)
	h := &mkdirHandler{}

	req := mkdir("a")
	req.Header().SetSequence(p.SeqBase()+1, 0)

	op, resp := Process(context.Background(), p, h, req)
	require.Equal(t, PhasePrimaryDone, op.Phase)
	require.Equal(t, "id-a", resp.(*msg.MkDirResp).EntryID)

	calls := r.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, uint32(secondaryID), calls[0].nodeID)
	require.Equal(t, msg.MsgTMirrorResp, calls[0].respType)
	require.Zero(t, calls[0].opts)

	fwd := calls[0].req.(*msg.MkDir)
	require.True(t, fwd.Header().IsSecondary())
	require.Equal(t, "id-a", fwd.EntryID)
	require.Equal(t, uint32(42), fwd.Requestor())
	require.Equal(t, req.Header().Seq, fwd.Header().Seq)

	require.Equal(t, consistency.StateGood, states.State(buddyKey))
	require.False(t, states.Get(buddyKey).LastComm.IsZero())
	require.Equal(t, int32(1), h.primary.Load())
}

func TestPrimaryWithoutForwarding(t *testing.T) {
	tests := []struct {
		name    string
		groups  fakeGroups
		handler *mkdirHandler
		seq     bool
	}{
		{"local failure", fakeGroups{buddy: secondaryID}, &mkdirHandler{result: msg.ResultExists}, true},
		{"unmirrored entry", fakeGroups{buddy: secondaryID}, &mkdirHandler{unmirrored: true}, true},
		{"no buddy", fakeGroups{}, &mkdirHandler{}, true},
		{"unchanged without sequence", fakeGroups{buddy: secondaryID}, &mkdirHandler{unchanged: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRequester{respond: secondaryAnswers(msg.ResultSuccess)}
			p, states, _ := newProcessor(t, tt.groups, r)

			req := mkdir("a")
			if tt.seq {
				req.Header().SetSequence(p.SeqBase()+1, 0)
			}
			op, resp := Process(context.Background(), p, tt.handler, req)

			require.Equal(t, PhasePrimaryDone, op.Phase)
			require.Equal(t, tt.handler.result, resp.(*msg.MkDirResp).Result)
			require.Empty(t, r.recorded())
			require.Equal(t, consistency.StateGood, states.State(buddyKey))
		})
	}
}

func TestAckNotifyForUnchangedState(t *testing.T) {
	r := &fakeRequester{respond: secondaryAnswers(msg.ResultSuccess)}
	p, states, _ := newProcessor(t, fakeGroups{buddy: secondaryID}, r)

	req := mkdir("a")
	req.Header().SetSequence(p.SeqBase()+5, p.SeqBase()+2)
	op, _ := Process(context.Background(), p, &mkdirHandler{unchanged: true}, req)
	require.Equal(t, PhasePrimaryDone, op.Phase)

	calls := r.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, msg.MsgTAckNotifyResp, calls[0].respType)

	notify := calls[0].req.(*msg.AckNotify)
	require.True(t, notify.Header().IsSecondary())
	require.Equal(t, req.Header().Seq, notify.Header().Seq)
	require.Equal(t, req.Header().SeqDone, notify.Header().SeqDone)
	require.Equal(t, uint32(42), notify.Requestor())
	require.Equal(t, consistency.StateGood, states.State(buddyKey))
}

func TestForwardFailureDegradesOnce(t *testing.T) {
	tests := []struct {
		name    string
		respond func(msg.Message) (msg.Message, error)
	}{
		{"unreachable", func(msg.Message) (msg.Message, error) {
			return nil, common.NewError(common.ErrCCommunication, "connection refused")
		}},
		{"protocol violation", func(msg.Message) (msg.Message, error) {
			return nil, common.NewError(common.ErrCProtocolViolation, "unexpected response")
		}},
		{"result mismatch", secondaryAnswers(msg.ResultInternal)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRequester{respond: tt.respond}
			p, states, _ := newProcessor(t, fakeGroups{buddy: secondaryID}, r)

			var transitions atomic.Int32
			states.Subscribe(func(tr consistency.Transition) {
				if tr.Key == buddyKey && tr.To == consistency.StateNeedsResync {
					transitions.Add(1)
				}
			})

			const n = 16
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					h := &mkdirHandler{}
					op, resp := Process(context.Background(), p, h, mkdir(fmt.Sprintf("d%d", i)))
					// the client always sees the local result
					if resp.(*msg.MkDirResp).Result != msg.ResultSuccess || op.Phase != PhasePrimaryDegraded {
						t.Errorf("request %d: result %s in phase %s", i, resp.(*msg.MkDirResp).Result, op.Phase)
					}
				}(i)
			}
			wg.Wait()

			require.Equal(t, int32(1), transitions.Load())
			require.Equal(t, consistency.StateNeedsResync, states.State(buddyKey))
			require.Len(t, r.recorded(), n)
		})
	}
}

func TestDegradedBuddyGetsSingleAttempt(t *testing.T) {
	r := &fakeRequester{respond: secondaryAnswers(msg.ResultSuccess)}
	p, states, _ := newProcessor(t, fakeGroups{buddy: secondaryID}, r)
	_, err := states.Transition(buddyKey, consistency.StateNeedsResync)
	require.NoError(t, err)

	op, _ := Process(context.Background(), p, &mkdirHandler{}, mkdir("a"))
	require.Equal(t, PhasePrimaryDone, op.Phase)

	calls := r.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, 1, calls[0].opts)

	// a successful forward does not make the buddy GOOD again
	require.Equal(t, consistency.StateNeedsResync, states.State(buddyKey))
}

func TestBadBuddyStaysBad(t *testing.T) {
	r := &fakeRequester{respond: func(msg.Message) (msg.Message, error) {
		return nil, common.NewError(common.ErrCCommunication, "down")
	}}
	p, states, _ := newProcessor(t, fakeGroups{buddy: secondaryID}, r)
	_, err := states.Transition(buddyKey, consistency.StateBad)
	require.NoError(t, err)

	op, _ := Process(context.Background(), p, &mkdirHandler{}, mkdir("a"))
	require.Equal(t, PhasePrimaryDegraded, op.Phase)
	require.Equal(t, consistency.StateBad, states.State(buddyKey))
}

func TestLocksHeldAcrossForward(t *testing.T) {
	var held []lockstore.Key
	r := &fakeRequester{}
	p, _, locks := newProcessor(t, fakeGroups{buddy: secondaryID}, r)
	r.respond = func(req msg.Message) (msg.Message, error) {
		held = locks.Keys()
		return &msg.MirrorResp{}, nil
	}

	Process(context.Background(), p, &mkdirHandler{}, mkdir("a"))

	require.Equal(t, []lockstore.Key{lockstore.DirKey("root"), lockstore.NameKey("root", "a")}, held)
	require.Zero(t, locks.Len())
}

// --------------------------------------------------------------------------
// Secondary
// --------------------------------------------------------------------------

func TestSecondaryExec(t *testing.T) {
	r := &fakeRequester{respond: secondaryAnswers(msg.ResultSuccess)}
	p, _, locks := newProcessor(t, fakeGroups{buddy: secondaryID}, r)
	h := &mkdirHandler{}

	req := mkdir("a")
	req.EntryID = "id-a"
	req.Header().Flags |= msg.FlagBuddyMirrorSecond
	// forwarded copies keep the numbers of the primary, which may be below our base
	req.Header().SetSequence(5, 0)

	op, resp := Process(context.Background(), p, h, req)
	require.Equal(t, PhaseSecondaryDone, op.Phase)
	require.Equal(t, msg.ResultSuccess, resp.(*msg.MirrorResp).Result)
	require.Equal(t, int32(1), h.secondary.Load())
	require.Zero(t, h.primary.Load())
	require.Empty(t, r.recorded())
	require.Zero(t, locks.Len())
}

// --------------------------------------------------------------------------
// Sequence numbers
// --------------------------------------------------------------------------

func TestSequenceAdmission(t *testing.T) {
	r := &fakeRequester{respond: secondaryAnswers(msg.ResultSuccess)}
	p, _, _ := newProcessor(t, fakeGroups{buddy: secondaryID}, r)
	h := &mkdirHandler{}
	ctx := context.Background()

	t.Run("zero asks for the base", func(t *testing.T) {
		req := mkdir("a")
		req.Header().SetSequence(0, 0)
		op, resp := Process(ctx, p, h, req)
		require.Nil(t, op)
		ctrl := resp.(*msg.GenericResponse)
		require.Equal(t, msg.CtrlNewSeqNoBase, ctrl.Code)
		require.Equal(t, p.SeqBase(), ctrl.Header().Seq)
	})

	t.Run("below the base is rejected", func(t *testing.T) {
		req := mkdir("a")
		req.Header().SetSequence(p.SeqBase()-1, 0)
		op, resp := Process(ctx, p, h, req)
		require.Nil(t, op)
		require.Equal(t, msg.CtrlInvalidSeqNo, resp.(*msg.GenericResponse).Code)
	})

	t.Run("finished request is answered from the cache", func(t *testing.T) {
		seq := p.SeqBase() + 10
		first := mkdir("b")
		first.Header().SetSequence(seq, 0)
		_, resp1 := Process(ctx, p, h, first)

		again := mkdir("b")
		again.Header().SetSequence(seq, 0)
		op, resp2 := Process(ctx, p, h, again)
		require.Nil(t, op)
		require.Same(t, resp1, resp2)
		require.Equal(t, int32(1), h.primary.Load())
		require.Len(t, r.recorded(), 1)
	})

	require.Equal(t, 1, p.sessions.count(42))
	require.Zero(t, p.sessions.count(7))
}

func TestSequenceInProgress(t *testing.T) {
	r := &fakeRequester{respond: secondaryAnswers(msg.ResultSuccess)}
	p, _, _ := newProcessor(t, fakeGroups{buddy: secondaryID}, r)
	h := &mkdirHandler{entered: make(chan struct{}, 1), block: make(chan struct{})}
	seq := p.SeqBase() + 1

	done := make(chan msg.Message)
	go func() {
		req := mkdir("a")
		req.Header().SetSequence(seq, 0)
		_, resp := Process(context.Background(), p, h, req)
		done <- resp
	}()
	<-h.entered

	dup := mkdir("a")
	dup.Header().SetSequence(seq, 0)
	op, resp := Process(context.Background(), p, h, dup)
	require.Nil(t, op)
	require.Equal(t, msg.CtrlTryAgain, resp.(*msg.GenericResponse).Code)

	close(h.block)
	select {
	case resp := <-done:
		require.Equal(t, msg.ResultSuccess, resp.(*msg.MkDirResp).Result)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not finish")
	}
}

// busyState answers TRYAGAIN, like a handler whose entry changed while it
// waited for the locks
type busyState struct{}

func (busyState) Result() msg.Result { return msg.ResultAgain }

func (busyState) ChangesObservableState() bool { return false }

func (busyState) ClientResponse() msg.Message {
	return msg.NewGenericResponse(msg.CtrlTryAgain, "busy")
}

func (busyState) SecondaryResponse() msg.Message {
	return msg.NewGenericResponse(msg.CtrlTryAgain, "busy")
}

// busyOnceHandler answers the first execution with TRYAGAIN
type busyOnceHandler struct {
	mkdirHandler
	calls atomic.Int32
}

func (h *busyOnceHandler) ExecuteLocally(ctx context.Context, req *msg.MkDir, isSecondary bool) ResponseState {
	if h.calls.Add(1) == 1 {
		return busyState{}
	}
	return h.mkdirHandler.ExecuteLocally(ctx, req, isSecondary)
}

func TestTryAgainReleasesSlot(t *testing.T) {
	r := &fakeRequester{respond: secondaryAnswers(msg.ResultSuccess)}
	p, _, _ := newProcessor(t, fakeGroups{buddy: secondaryID}, r)
	h := &busyOnceHandler{}
	seq := p.SeqBase() + 1

	req := mkdir("a")
	req.Header().SetSequence(seq, 0)
	_, resp := Process[*msg.MkDir](context.Background(), p, h, req)
	require.Equal(t, msg.CtrlTryAgain, resp.(*msg.GenericResponse).Code)
	require.Zero(t, p.sessions.count(42))
	require.Empty(t, r.recorded())

	// the identical resend executes again instead of getting TRYAGAIN back
	resend := mkdir("a")
	resend.Header().SetSequence(seq, 0)
	op, resp := Process[*msg.MkDir](context.Background(), p, h, resend)
	require.NotNil(t, op)
	require.Equal(t, "id-a", resp.(*msg.MkDirResp).EntryID)
	require.Equal(t, int32(2), h.calls.Load())
	require.Len(t, r.recorded(), 1)
}

func TestSeqDonePrunesSlots(t *testing.T) {
	r := &fakeRequester{respond: secondaryAnswers(msg.ResultSuccess)}
	p, _, _ := newProcessor(t, fakeGroups{buddy: secondaryID}, r)
	base := p.SeqBase()

	for i := uint64(1); i <= 3; i++ {
		req := mkdir(fmt.Sprint(i))
		req.Header().SetSequence(base+i, 0)
		Process(context.Background(), p, &mkdirHandler{}, req)
	}
	require.Equal(t, 3, p.sessions.count(42))

	req := mkdir("4")
	req.Header().SetSequence(base+4, base+2)
	Process(context.Background(), p, &mkdirHandler{}, req)
	require.Equal(t, 2, p.sessions.count(42))
}

func TestAckNotifyHandler(t *testing.T) {
	p, _, _ := newProcessor(t, fakeGroups{buddy: primaryID}, &fakeRequester{respond: secondaryAnswers(msg.ResultSuccess)})
	handle := p.AckNotifyHandler()

	var replies []msg.Message
	send := func(seq uint64) {
		notify := &msg.AckNotify{}
		notify.SetRequestor(42)
		notify.Header().Flags |= msg.FlagBuddyMirrorSecond
		notify.Header().SetSequence(seq, 0)
		handle(context.Background(), &transport.Request{
			Msg:  notify,
			Peer: "primary",
			Reply: func(m msg.Message) error {
				replies = append(replies, m)
				return nil
			},
		})
	}

	send(9)
	send(9)
	require.Len(t, replies, 2)
	require.Equal(t, msg.ResultSuccess, replies[0].(*msg.AckNotifyResp).Result)
	require.Same(t, replies[0], replies[1])
	require.Equal(t, 1, p.sessions.count(42))
}
