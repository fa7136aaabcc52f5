// Package server implements the inbound side of a metadata node.
// It routes decoded messages to their handlers and assembles the services of
// a node: the mirrored metadata operations, the consistency states, resync
// jobs and the operator requests.
//
// The package focuses on:
//   - Dispatch by message type id with a no-op handler for unknown ids
//   - Adapter pattern to answer request families against one service
//   - Wiring stream and datagram transports, acknowledgements and state reports
//
// Key Components:
//
//   - Dispatcher: maps type ids to transport.ServerHandleFunc values. Unknown
//     type ids and types without a handler are logged and dropped. Handling
//     latency is recorded per type.
//
//   - IRPCServerAdapter: Interface for request/response adapters. The states
//     adapter answers GetTargetStates and SetTargetState and applies
//     TargetStatesNotify reports; the resync adapter answers StartResync and
//     AbortResync.
//
//   - Node: Creates everything a node needs from a common.ServerConfig. Client
//     requests and forwarded operations arrive on the stream transport;
//     state reports and their acks use the datagram endpoint.
//
// Usage Example:
//
//	config := common.ServerConfig{
//	  NodeID:           1,
//	  GroupID:          1,
//	  Endpoint:         "0.0.0.0:8005",
//	  DatagramEndpoint: "0.0.0.0:8005",
//	  Nodes: map[uint32]common.NodeAddr{
//	    1: {Stream: "meta1:8005", Datagram: "meta1:8005"},
//	    2: {Stream: "meta2:8005", Datagram: "meta2:8005"},
//	  },
//	  BuddyGroups: map[uint16]common.BuddyGroup{1: {Primary: 1, Secondary: 2}},
//	  Monitors:    []string{"mgmt:8008"},
//	  StateStore:  common.StateStoreFile,
//	  DataDir:     "/var/lib/bmirror",
//	  Client:      common.DefaultClientConfig(),
//	  LogLevel:    "info",
//	}
//
//	n, err := server.NewNode(config, tcp.NewTCPServerTransport(config))
//	if err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//	if err := n.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// The node supports three consistency state stores:
//
//   - StateStoreMemory: states are lost on restart, suitable for tests.
//
//   - StateStoreFile: states are kept in DataDir/states.yaml.
//
//   - StateStoreRaft: states are replicated with raft. RTTMillisecond,
//     SnapshotEntries, CompactionOverhead, DataDir, ReplicaID, ClusterMembers
//     and StateShardID must be configured.
package server
