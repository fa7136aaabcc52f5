package server

import (
	"context"
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"sort"
	"time"
)

var invalidTotal = metrics.NewCounter(`bmirror_invalid_messages_total`)

// Dispatcher maps message type ids to handlers. Messages without a
// registered handler, including the *msg.Invalid sentinel, are passed to the
// invalid handler, which logs and drops them.
type Dispatcher struct {
	handlers *xsync.MapOf[msg.MsgType, transport.ServerHandleFunc]
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: xsync.NewMapOf[msg.MsgType, transport.ServerHandleFunc]()}
}

// Register sets the handler of message type t, replacing a previous one
func (d *Dispatcher) Register(t msg.MsgType, h transport.ServerHandleFunc) {
	if t == msg.MsgTInvalid {
		panic("the invalid message type cannot be registered")
	}
	if _, loaded := d.handlers.LoadAndStore(t, h); loaded {
		Logger.Warningf("Handler for %s replaced", t)
	}
}

// RegisterAdapter registers a for all types it handles
func (d *Dispatcher) RegisterAdapter(a IRPCServerAdapter) {
	for _, t := range a.Types() {
		d.Register(t, adapt(a))
	}
}

// Handler returns the handler of t, the invalid handler if none is registered
func (d *Dispatcher) Handler(t msg.MsgType) transport.ServerHandleFunc {
	if h, ok := d.handlers.Load(t); ok {
		return h
	}
	return handleInvalid
}

// Types returns the registered message types in ascending order
func (d *Dispatcher) Types() []msg.MsgType {
	types := make([]msg.MsgType, 0, d.handlers.Size())
	d.handlers.Range(func(t msg.MsgType, _ transport.ServerHandleFunc) bool {
		types = append(types, t)
		return true
	})
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Handle implements transport.ServerHandleFunc
func (d *Dispatcher) Handle(ctx context.Context, req *transport.Request) {
	t := req.Msg.Type()
	start := time.Now()
	d.Handler(t)(ctx, req)
	metrics.GetOrCreateHistogram(fmt.Sprintf(`bmirror_request_duration_seconds{type=%q}`, t)).UpdateDuration(start)
}

// handleInvalid drops a message nobody handles
func handleInvalid(_ context.Context, req *transport.Request) {
	invalidTotal.Inc()
	if inv, ok := req.Msg.(*msg.Invalid); ok {
		Logger.Warningf("Dropping message with unknown type %d from %s", inv.TypeID, req.Peer)
		return
	}
	Logger.Warningf("Dropping %s from %s, no handler registered", req.Msg.Type(), req.Peer)
}

// adapt turns an adapter into a handler that replies with its response
func adapt(a IRPCServerAdapter) transport.ServerHandleFunc {
	return func(ctx context.Context, req *transport.Request) {
		resp := a.Handle(ctx, req.Msg)
		if resp == nil {
			return
		}
		if err := req.Reply(resp); err != nil {
			Logger.Warningf("Failed to answer %s from %s: %v", req.Msg.Type(), req.Peer, err)
		}
	}
}
