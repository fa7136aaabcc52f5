package client

import (
	"context"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
)

// AdminClient issues operator requests (consistency states, resync) to one node
type AdminClient struct {
	requester IRequester
	nodeID    uint32
}

// NewAdminClient creates an admin client for nodeID
func NewAdminClient(requester IRequester, nodeID uint32) *AdminClient {
	return &AdminClient{requester: requester, nodeID: nodeID}
}

// GetTargetStates returns all consistency states known to the node
func (c *AdminClient) GetTargetStates(ctx context.Context) ([]msg.TargetState, error) {
	resp, err := c.requester.RequestResponse(ctx, c.nodeID, &msg.GetTargetStates{}, msg.MsgTGetTargetStatesResp)
	if err != nil {
		return nil, err
	}
	return resp.(*msg.GetTargetStatesResp).States, nil
}

// SetTargetState overrides a consistency state
func (c *AdminClient) SetTargetState(ctx context.Context, state msg.TargetState) error {
	resp, err := c.requester.RequestResponse(ctx, c.nodeID, &msg.SetTargetState{State: state}, msg.MsgTSetTargetStateResp)
	if err != nil {
		return err
	}
	return resp.(*msg.SetTargetStateResp).Result.Err()
}

// StartResync starts a resync of the secondary of groupID and returns the job id.
// With override set, lastComm replaces the last known good communication
// timestamp and a running job is restarted.
func (c *AdminClient) StartResync(ctx context.Context, groupID uint16, override bool, lastComm int64) (string, error) {
	req := &msg.StartResync{GroupID: groupID, OverrideLastComm: override, LastComm: lastComm}
	resp, err := c.requester.RequestResponse(ctx, c.nodeID, req, msg.MsgTStartResyncResp)
	if err != nil {
		return "", err
	}
	r := resp.(*msg.StartResyncResp)
	return r.JobID, r.Result.Err()
}

// AbortResync cancels a running resync job. It reports whether a job was running.
func (c *AdminClient) AbortResync(ctx context.Context, groupID uint16) (bool, error) {
	resp, err := c.requester.RequestResponse(ctx, c.nodeID, &msg.AbortResync{GroupID: groupID}, msg.MsgTAbortResyncResp)
	if err != nil {
		return false, err
	}
	r := resp.(*msg.AbortResyncResp)
	return r.Aborted, r.Result.Err()
}
