package client

import (
	"context"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
)

// MetaClient issues metadata operations to one node, normally the primary
// of a buddy group
type MetaClient struct {
	requester IRequester
	nodeID    uint32
}

// NewMetaClient creates a metadata client for nodeID
func NewMetaClient(requester IRequester, nodeID uint32) *MetaClient {
	return &MetaClient{requester: requester, nodeID: nodeID}
}

// MkDir creates a directory and returns its entry id
func (c *MetaClient) MkDir(ctx context.Context, req *msg.MkDir) (string, error) {
	resp, err := c.requester.RequestResponse(ctx, c.nodeID, req, msg.MsgTMkDirResp)
	if err != nil {
		return "", err
	}
	r := resp.(*msg.MkDirResp)
	return r.EntryID, r.Result.Err()
}

// RmDir removes an empty directory
func (c *MetaClient) RmDir(ctx context.Context, req *msg.RmDir) error {
	resp, err := c.requester.RequestResponse(ctx, c.nodeID, req, msg.MsgTRmDirResp)
	if err != nil {
		return err
	}
	return resp.(*msg.RmDirResp).Result.Err()
}

// SetAttr changes the attributes selected by req.Valid
func (c *MetaClient) SetAttr(ctx context.Context, req *msg.SetAttr) error {
	resp, err := c.requester.RequestResponse(ctx, c.nodeID, req, msg.MsgTSetAttrResp)
	if err != nil {
		return err
	}
	return resp.(*msg.SetAttrResp).Result.Err()
}

// Stat returns the entry with the given id
func (c *MetaClient) Stat(ctx context.Context, entryID string) (msg.EntryInfo, error) {
	resp, err := c.requester.RequestResponse(ctx, c.nodeID, &msg.Stat{EntryID: entryID}, msg.MsgTStatResp)
	if err != nil {
		return msg.EntryInfo{}, err
	}
	r := resp.(*msg.StatResp)
	return r.Entry, r.Result.Err()
}
