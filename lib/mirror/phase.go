package mirror

import (
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/lib/lockstore"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
)

// Phase is the progress of a mirrored operation
type Phase uint8

const (
	PhasePrimaryLocalExec Phase = iota
	PhasePrimaryForwarding
	PhasePrimaryDone
	PhasePrimaryDegraded
	PhaseSecondaryExec
	PhaseSecondaryDone
)

func (p Phase) String() string {
	switch p {
	case PhasePrimaryLocalExec:
		return "primary-local-exec"
	case PhasePrimaryForwarding:
		return "primary-forwarding"
	case PhasePrimaryDone:
		return "primary-done"
	case PhasePrimaryDegraded:
		return "primary-degraded"
	case PhaseSecondaryExec:
		return "secondary-exec"
	case PhaseSecondaryDone:
		return "secondary-done"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Operation is the transient state of one request, from decoding to the
// response being sent
type Operation[Req msg.MirroredMessage] struct {
	Req         Req
	Phase       Phase
	IsSecondary bool
	Locks       *lockstore.MultiGuard
	Local       ResponseState
	Forwarded   msg.Message // response of the secondary, nil if not forwarded or failed
	Response    msg.Message // sent to the requester
}

func (op *Operation[Req]) enter(phase Phase) {
	Logger.Debugf("%s: %s -> %s", op.Req.Type(), op.Phase, phase)
	op.Phase = phase
}
