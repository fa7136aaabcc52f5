package server

import (
	"context"
	"github.com/ThinkParQ/beegfs-sub020/lib/consistency"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
)

// IPrimaryResolver reports whether a node is the primary of a buddy group
type IPrimaryResolver interface {
	IsPrimary(groupID uint16, self uint32) bool
}

// NewStatesServerAdapter creates the adapter for consistency state requests
// of node nodeID
func NewStatesServerAdapter(nodeID uint32, states *consistency.Registry, groups IPrimaryResolver) IRPCServerAdapter {
	return &statesServerAdapter{nodeID: nodeID, states: states, groups: groups}
}

type statesServerAdapter struct {
	nodeID uint32
	states *consistency.Registry
	groups IPrimaryResolver
}

func (adapter *statesServerAdapter) Types() []msg.MsgType {
	return []msg.MsgType{msg.MsgTGetTargetStates, msg.MsgTSetTargetState, msg.MsgTTargetStatesNotify}
}

func (adapter *statesServerAdapter) Handle(_ context.Context, req msg.Message) msg.Message {
	switch m := req.(type) {
	case *msg.GetTargetStates:
		recs := adapter.states.Snapshot()
		resp := &msg.GetTargetStatesResp{States: make([]msg.TargetState, 0, len(recs))}
		for _, rec := range recs {
			resp.States = append(resp.States, rec.ToWire())
		}
		return resp

	case *msg.SetTargetState:
		rec, err := consistency.RecordFromWire(m.State)
		if err != nil {
			Logger.Warningf("Rejected state override: %v", err)
			return &msg.SetTargetStateResp{Result: msg.ResultInvalidArgument}
		}
		if _, err := adapter.states.Override(rec.Key, rec.State); err != nil {
			Logger.Errorf("State override of %s failed: %v", rec.Key, err)
			return &msg.SetTargetStateResp{Result: msg.ResultInternal}
		}
		return &msg.SetTargetStateResp{Result: msg.ResultSuccess}

	case *msg.TargetStatesNotify:
		adapter.apply(m)
		// acknowledged by the ack receiver, there is no response
		return nil

	default:
		Logger.Warningf("States adapter: unsupported message type %s", req.Type())
		return nil
	}
}

// apply stores the reported states. States of targets this node is the
// primary of are owned locally and never taken from a report.
func (adapter *statesServerAdapter) apply(m *msg.TargetStatesNotify) {
	recs := make([]consistency.Record, 0, len(m.States))
	for _, s := range m.States {
		rec, err := consistency.RecordFromWire(s)
		if err != nil {
			Logger.Warningf("Ignoring state reported by node %d: %v", m.ReporterID, err)
			continue
		}
		if adapter.groups.IsPrimary(rec.Key.GroupID, adapter.nodeID) {
			continue
		}
		recs = append(recs, rec)
	}
	skipped := adapter.states.Apply(recs)
	Logger.Debugf("Applied %d of %d states reported by node %d", len(recs)-skipped, len(m.States), m.ReporterID)
}
