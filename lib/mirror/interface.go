package mirror

import (
	"context"
	"github.com/ThinkParQ/beegfs-sub020/lib/lockstore"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
)

// ResponseState is the outcome of one local execution
type ResponseState interface {
	// Result is the application result of the local execution
	Result() msg.Result

	// ChangesObservableState reports whether the execution mutated state the
	// secondary must replay. If not, the secondary only receives an AckNotify.
	ChangesObservableState() bool

	// ClientResponse is sent to the client on the primary
	ClientResponse() msg.Message

	// SecondaryResponse is sent to the primary on the secondary
	SecondaryResponse() msg.Message
}

// Handler implements one mirrored operation type
type Handler[Req msg.MirroredMessage] interface {
	// IsMirrored reports whether the entry the request targets is mirrored
	IsMirrored(req Req) bool

	// Locks returns the entry locks the operation holds while it executes and
	// while the forwarded copy is processed by the secondary
	Locks(req Req) []lockstore.Request

	// ExecuteLocally applies the operation. On the primary it fills in the
	// values computed once (ids, timestamps) so ForwardMessage can copy them.
	ExecuteLocally(ctx context.Context, req Req, isSecondary bool) ResponseState

	// ForwardMessage returns the message sent to the secondary
	ForwardMessage(req Req) msg.MirroredMessage

	// ProcessSecondaryResponse extracts the result of the secondary
	ProcessSecondaryResponse(resp msg.Message) msg.Result
}

// IGroupResolver resolves the buddy of a node. It is implemented by nodes.Registry.
type IGroupResolver interface {
	Buddy(groupID uint16, self uint32) (uint32, bool)
}
