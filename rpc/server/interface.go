package server

import (
	"context"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
)

// IRPCServerAdapter is the interface for request/response adapters.
// An adapter answers a family of requests against one service.
type IRPCServerAdapter interface {
	// Types returns the request types the adapter handles
	Types() []msg.MsgType

	// Handle handles a request and returns the response.
	// Application failures are reported as a result code in the response,
	// a nil response means the request is not answered.
	Handle(ctx context.Context, req msg.Message) (resp msg.Message)
}
