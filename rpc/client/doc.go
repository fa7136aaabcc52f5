// Package client implements the request side of the message protocol.
//
// The package focuses on:
//   - Request/response exchanges over pooled stream connections
//   - Retry policy and backpressure handling through GenericResponse control codes
//   - Sequence numbers for mirrored requests
//   - Typed clients for metadata and operator requests
//
// Key Components:
//
//   - Requester: RequestResponse sends a message to a node and returns the
//     response of the expected type. Communication failures are retried with
//     exponential backoff up to RetryCount attempts. Control codes change the
//     behaviour: TRYAGAIN waits TryAgainWait and counts as an attempt,
//     INDIRECTCOMMERR retries immediately up to IndirectCommRetries times,
//     NEWSEQNOBASE adopts the announced sequence base and resends, and
//     INVALIDSEQNO resets the sequence tracker of the node and fails with a
//     ProtocolViolation. DatagramRequest runs the same loop over the
//     connectionless transport, one send from a fresh socket per attempt, to
//     the datagram address the resolver returns for the node.
//
//   - Options: WithRetries and WithTryAgainWait override the configured policy
//     for one call, e.g. to forward to a degraded buddy with a single attempt.
//
//   - MetaClient / AdminClient: typed wrappers that turn non-success results
//     into ApplicationErrors.
//
// Usage Example:
//
//	cfg := common.DefaultClientConfig()
//	registry := nodes.NewRegistry(nodeAddrs, buddyGroups, cfg)
//	requester := client.NewRequester(registry, cfg)
//
//	mc := client.NewMetaClient(requester, primaryID)
//	id, err := mc.MkDir(ctx, &msg.MkDir{ParentID: meta.RootID, Name: "data", Mode: 0755})
//
// Thread Safety:
//
//	Requester and the typed clients are safe for concurrent use.
package client
