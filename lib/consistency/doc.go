// Package consistency tracks whether the members of a buddy group are in
// sync.
//
// Every target (a node within a buddy group) is in one of three states:
//
//	GOOD          in sync with its buddy
//	NEEDS_RESYNC  missed mirrored operations (forwarding failed)
//	BAD           a resync failed with a local error
//
// The Registry enforces the transitions: GOOD -> NEEDS_RESYNC when a forward
// fails, NEEDS_RESYNC -> GOOD only through CompleteResync, any state -> BAD,
// and BAD -> NEEDS_RESYNC when an operator restarts a resync. A target never
// becomes GOOD again on its own. Operators may override any state.
//
// States survive restarts through an IPersister: MemoryPersister for tests,
// FilePersister (a yaml file replaced atomically) for single nodes and the
// raft backed persister in the dstore subpackage for replicated deployments.
//
// The Reporter publishes local transitions to the monitors as acknowledged
// TargetStatesNotify datagrams.
//
// Usage Example:
//
//	reg, err := consistency.NewRegistry(consistency.NewFilePersister("data/states.yaml"))
//	if err != nil {
//	    return err
//	}
//	key := consistency.TargetKey{GroupID: 1, NodeID: 2}
//	if changed, _ := reg.Transition(key, consistency.StateNeedsResync); changed {
//	    // first failure, start a resync
//	}
package consistency
