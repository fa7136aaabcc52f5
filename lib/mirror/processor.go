package mirror

import (
	"context"
	"github.com/ThinkParQ/beegfs-sub020/lib/consistency"
	"github.com/ThinkParQ/beegfs-sub020/lib/lockstore"
	"github.com/ThinkParQ/beegfs-sub020/rpc/client"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"time"
)

var Logger = logger.GetLogger("mirror")

var (
	forwardsTotal        = metrics.NewCounter(`bmirror_forwards_total`)
	forwardFailuresTotal = metrics.NewCounter(`bmirror_forward_failures_total`)
	ackNotifiesTotal     = metrics.NewCounter(`bmirror_ack_notifies_total`)
	degradedTotal        = metrics.NewCounter(`bmirror_degraded_total`)
	forwardDuration      = metrics.NewHistogram(`bmirror_forward_duration_seconds`)
)

// Config identifies the node a Processor runs on
type Config struct {
	NodeID  uint32
	GroupID uint16 // buddy group of this node, 0 if it is not mirrored

	// OnForwardFailure is called for every failed forward, if set
	OnForwardFailure func(buddy consistency.TargetKey)
}

// Processor runs mirrored operations: local execution under entry locks,
// forwarding to the buddy and the consistency state bookkeeping
type Processor struct {
	config    Config
	groups    IGroupResolver
	locks     lockstore.ILockStore
	states    *consistency.Registry
	requester client.IRequester
	sessions  *sessions
}

// NewProcessor creates a processor. The sequence number base of the node is
// derived from the current time, so it grows across restarts.
func NewProcessor(config Config, groups IGroupResolver, locks lockstore.ILockStore, states *consistency.Registry, requester client.IRequester) *Processor {
	return &Processor{
		config:    config,
		groups:    groups,
		locks:     locks,
		states:    states,
		requester: requester,
		sessions:  newSessions(uint64(time.Now().UnixNano())),
	}
}

// SeqBase returns the sequence number base announced with NEWSEQNOBASE
func (p *Processor) SeqBase() uint64 {
	return p.sessions.base
}

// Handle returns the transport handler running h for every request of type Req
func Handle[Req msg.MirroredMessage](p *Processor, h Handler[Req]) transport.ServerHandleFunc {
	return func(ctx context.Context, r *transport.Request) {
		req, ok := r.Msg.(Req)
		if !ok {
			Logger.Errorf("Handler for %T received %s from %s", *new(Req), r.Msg.Type(), r.Peer)
			return
		}

		op, resp := Process(ctx, p, h, req)
		if resp == nil {
			return
		}
		if err := r.Reply(resp); err != nil {
			Logger.Warningf("Failed to send %s to %s: %v", resp.Type(), r.Peer, err)
			return
		}
		if op != nil {
			Logger.Debugf("%s from %s finished in %s", req.Type(), r.Peer, op.Phase)
		}
	}
}

// Process runs one request and returns the operation and the response to
// send. The operation is nil if the request was answered from the sequence
// bookkeeping without executing it.
func Process[Req msg.MirroredMessage](ctx context.Context, p *Processor, h Handler[Req], req Req) (*Operation[Req], msg.Message) {
	hdr := req.Header()
	sl, early := p.sessions.admit(hdr, req.Requestor())
	if early != nil {
		return nil, early
	}

	op := &Operation[Req]{Req: req, IsSecondary: hdr.IsSecondary()}
	defer func() {
		switch {
		case sl == nil:
		case isTryAgain(op.Response):
			// the resend of the same sequence number executes again
			p.sessions.drop(req.Requestor(), hdr.Seq)
		default:
			sl.finish(op.Response)
		}
	}()

	if op.IsSecondary {
		runSecondary(ctx, p, h, op)
	} else {
		runPrimary(ctx, p, h, op)
	}
	return op, op.Response
}

func isTryAgain(resp msg.Message) bool {
	ctrl, ok := resp.(*msg.GenericResponse)
	return ok && ctrl.Code == msg.CtrlTryAgain
}

// runPrimary executes the request locally and forwards it to the buddy.
// Locks are held until the secondary answered or forwarding gave up.
func runPrimary[Req msg.MirroredMessage](ctx context.Context, p *Processor, h Handler[Req], op *Operation[Req]) {
	op.Locks = p.locks.LockAll(h.Locks(op.Req)...)
	defer op.Locks.Release()

	mirrored := h.IsMirrored(op.Req)
	op.Local = h.ExecuteLocally(ctx, op.Req, false)
	op.Response = op.Local.ClientResponse()

	if op.Local.Result() != msg.ResultSuccess || !mirrored {
		op.enter(PhasePrimaryDone)
		return
	}

	buddy, ok := p.groups.Buddy(p.config.GroupID, p.config.NodeID)
	if !ok {
		Logger.Warningf("%s targets a mirrored entry but node %d has no buddy in group %d",
			op.Req.Type(), p.config.NodeID, p.config.GroupID)
		op.enter(PhasePrimaryDone)
		return
	}

	// Without a sequence slot on the secondary there is nothing to release
	hdr := op.Req.Header()
	if !op.Local.ChangesObservableState() && !hdr.Flags.Has(msg.FlagHasSequenceNumber) {
		op.enter(PhasePrimaryDone)
		return
	}

	op.enter(PhasePrimaryForwarding)
	if forward(ctx, p, h, op, buddy) {
		op.enter(PhasePrimaryDone)
	} else {
		op.enter(PhasePrimaryDegraded)
	}
}

// forward sends the forwarded copy to the buddy and reconciles its result.
// It returns false if the buddy could not apply the operation.
func forward[Req msg.MirroredMessage](ctx context.Context, p *Processor, h Handler[Req], op *Operation[Req], buddy uint32) bool {
	key := consistency.TargetKey{GroupID: p.config.GroupID, NodeID: buddy}
	hdr := op.Req.Header()

	var fwd msg.MirroredMessage
	respType := msg.MsgTMirrorResp
	if op.Local.ChangesObservableState() {
		fwd = h.ForwardMessage(op.Req)
	} else {
		fwd = &msg.AckNotify{}
		respType = msg.MsgTAckNotifyResp
		ackNotifiesTotal.Inc()
	}

	fwd.SetRequestor(op.Req.Requestor())
	fh := fwd.Header()
	fh.Flags |= msg.FlagBuddyMirrorSecond
	if hdr.Flags.Has(msg.FlagHasSequenceNumber) {
		fh.SetSequence(hdr.Seq, hdr.SeqDone)
	} else {
		fh.ClearSequence()
	}

	// A buddy that already needs a resync gets one attempt per request
	var opts []client.Option
	if p.states.State(key) != consistency.StateGood {
		opts = append(opts, client.WithRetries(1))
	}

	start := time.Now()
	resp, err := p.requester.RequestResponse(ctx, buddy, fwd, respType, opts...)
	forwardDuration.UpdateDuration(start)
	forwardsTotal.Inc()

	if err != nil {
		forwardFailuresTotal.Inc()
		p.degrade(key, "forwarding %s failed: %v", fwd.Type(), err)
		return false
	}
	op.Forwarded = resp

	var result msg.Result
	if ack, ok := resp.(*msg.AckNotifyResp); ok {
		result = ack.Result
	} else {
		result = h.ProcessSecondaryResponse(resp)
	}

	if result != op.Local.Result() {
		p.degrade(key, "secondary answered %s with %s, primary had %s", fwd.Type(), result, op.Local.Result())
		return false
	}

	p.states.TouchLastComm(key, time.Now())
	return true
}

// runSecondary applies a forwarded copy. It never forwards again.
func runSecondary[Req msg.MirroredMessage](ctx context.Context, p *Processor, h Handler[Req], op *Operation[Req]) {
	op.enter(PhaseSecondaryExec)

	guard := p.locks.LockAll(h.Locks(op.Req)...)
	op.Locks = guard
	op.Local = h.ExecuteLocally(ctx, op.Req, true)
	guard.Release()

	op.Response = op.Local.SecondaryResponse()
	op.enter(PhaseSecondaryDone)
}

// degrade marks the buddy NEEDS_RESYNC. Only the first failure changes the
// state; later failures are logged at debug level.
func (p *Processor) degrade(key consistency.TargetKey, format string, args ...interface{}) {
	if p.config.OnForwardFailure != nil {
		p.config.OnForwardFailure(key)
	}
	changed, err := p.states.Degrade(key)
	if err != nil {
		Logger.Errorf("Failed to persist degraded state of %s: %v", key, err)
	}
	if changed {
		degradedTotal.Inc()
		Logger.Warningf("Buddy %s needs resync: "+format, append([]interface{}{key}, args...)...)
		return
	}
	Logger.Debugf("Buddy %s: "+format, append([]interface{}{key}, args...)...)
}

// --------------------------------------------------------------------------
// AckNotify
// --------------------------------------------------------------------------

// AckNotifyHandler returns the handler for AckNotify messages. It only
// finishes the sequence slot of the notified request.
func (p *Processor) AckNotifyHandler() transport.ServerHandleFunc {
	return Handle[*msg.AckNotify](p, ackNotifyHandler{})
}

type ackNotifyHandler struct{}

type ackNotifyState struct{}

func (ackNotifyState) Result() msg.Result { return msg.ResultSuccess }

func (ackNotifyState) ChangesObservableState() bool { return false }

func (ackNotifyState) ClientResponse() msg.Message { return &msg.AckNotifyResp{} }

func (ackNotifyState) SecondaryResponse() msg.Message { return &msg.AckNotifyResp{} }

func (ackNotifyHandler) IsMirrored(*msg.AckNotify) bool { return false }

func (ackNotifyHandler) Locks(*msg.AckNotify) []lockstore.Request { return nil }

func (ackNotifyHandler) ExecuteLocally(context.Context, *msg.AckNotify, bool) ResponseState {
	return ackNotifyState{}
}

func (ackNotifyHandler) ForwardMessage(req *msg.AckNotify) msg.MirroredMessage {
	return &msg.AckNotify{}
}

func (ackNotifyHandler) ProcessSecondaryResponse(resp msg.Message) msg.Result {
	if r, ok := resp.(*msg.AckNotifyResp); ok {
		return r.Result
	}
	return msg.ResultInternal
}
