package server

import (
	"context"
	"errors"
	"github.com/ThinkParQ/beegfs-sub020/lib/resync"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"time"
)

// NewResyncServerAdapter creates the adapter for operator resync requests
func NewResyncServerAdapter(jobs *resync.Manager) IRPCServerAdapter {
	return &resyncServerAdapter{jobs: jobs}
}

type resyncServerAdapter struct {
	jobs *resync.Manager
}

func (adapter *resyncServerAdapter) Types() []msg.MsgType {
	return []msg.MsgType{msg.MsgTStartResync, msg.MsgTAbortResync}
}

func (adapter *resyncServerAdapter) Handle(_ context.Context, req msg.Message) msg.Message {
	switch m := req.(type) {
	case *msg.StartResync:
		if m.OverrideLastComm {
			if err := adapter.jobs.OverrideLastComm(m.GroupID, time.Unix(0, m.LastComm)); err != nil {
				Logger.Warningf("Override of the last communication of group %d failed: %v", m.GroupID, err)
				return &msg.StartResyncResp{Result: resyncResult(err)}
			}
		}
		job, err := adapter.jobs.Start(m.GroupID)
		if err != nil {
			Logger.Warningf("Resync of group %d not started: %v", m.GroupID, err)
			return &msg.StartResyncResp{Result: resyncResult(err)}
		}
		return &msg.StartResyncResp{Result: msg.ResultSuccess, JobID: job.ID}

	case *msg.AbortResync:
		return &msg.AbortResyncResp{Result: msg.ResultSuccess, Aborted: adapter.jobs.Abort(m.GroupID)}

	default:
		Logger.Warningf("Resync adapter: unsupported message type %s", req.Type())
		return nil
	}
}

func resyncResult(err error) msg.Result {
	switch {
	case errors.Is(err, resync.ErrJobRunning):
		return msg.ResultAgain
	case errors.Is(err, resync.ErrNotPrimary):
		return msg.ResultInvalidArgument
	default:
		return msg.ResultInternal
	}
}
