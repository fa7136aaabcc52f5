// Package dstore persists consistency states in a raft replicated state
// machine using Dragonboat, so a group of management nodes agrees on the
// state of every target even if some of them fail.
//
// Architecture:
//
//   - Persister: implements consistency.IPersister. Save proposes a Command
//     through SyncPropose, Load reads all records through SyncRead. Temporary
//     raft errors (busy, shard not ready, timeout) are retried a few times.
//
//   - StateMachine: a Dragonboat IConcurrentStateMachine holding the records
//     in a map. Snapshots are yaml documents of all records.
//
//   - internal: the fixed size Command encoding of the raft log and the read
//     queries.
//
// Usage Example:
//
//	p, err := dstore.Start(config) // uses ReplicaID, ClusterMembers, StateShardID
//	if err != nil {
//	    return err
//	}
//	registry, err := consistency.NewRegistry(p)
package dstore
