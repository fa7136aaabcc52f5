// Package mirror runs metadata operations on buddy mirrored targets.
//
// A buddy group consists of a primary and a secondary node. Clients send
// mutating requests to the primary, which applies them and forwards an
// equivalent copy (flagged with msg.FlagBuddyMirrorSecond) to the secondary
// before answering the client.
//
// Primary flow:
//
//	PrimaryLocalExec -> PrimaryForwarding -> PrimaryDone
//	                                      -> PrimaryDegraded
//
//	The entry locks returned by Handler.Locks are taken before the local
//	execution and held until the secondary answered, so both nodes apply
//	conflicting operations in the same order. Values computed once on the
//	primary (entry ids, timestamps) travel with the forwarded copy. If the
//	local execution changed nothing observable, only an AckNotify is sent so
//	the secondary can release the sequence slot of the request.
//
//	If forwarding fails or the secondary reports a different result, the
//	buddy is marked NEEDS_RESYNC in the consistency registry. The client
//	always receives the local result; secondary failures are never surfaced.
//
// Secondary flow:
//
//	SecondaryExec -> SecondaryDone
//
//	The copy is applied under the same locks and answered with the minimal
//	secondary response. It is never forwarded again.
//
// Sequence Numbers:
//
//	Every requestor has a session of sequence slots. A request with seq 0 is
//	answered with NEWSEQNOBASE carrying the base of this node, numbers below
//	the base with INVALIDSEQNO. A resent request whose slot is finished gets
//	the cached response, one still in progress gets TRYAGAIN. Slots up to
//	the seqDone of a request are dropped.
//
// Usage Example:
//
//	p := mirror.NewProcessor(mirror.Config{NodeID: 1, GroupID: 1}, nodes, locks, states, requester)
//	dispatcher.Register(msg.MsgTMkDir, mirror.Handle[*msg.MkDir](p, meta.MkDirHandler(ns)))
//	dispatcher.Register(msg.MsgTAckNotify, p.AckNotifyHandler())
package mirror
