// Package base provides the stream transport independent of the specific
// network protocol (TCP, Unix sockets). Protocol specific packages only
// supply a connector that dials or listens.
//
// The package focuses on:
//   - Pooled client connections with at most one outstanding request each
//   - Backpressure through a bounded pool and a bounded server worker set
//   - Classification of io failures into CommunicationError and ProtocolViolation
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific operations
//     that allow extending the base transport with different network protocols.
//
//   - ConnPool: per endpoint pool. Connections are dialed lazily up to
//     ConnectionsPerEndpoint. Acquire blocks on a condition variable while the
//     pool is exhausted and gives up when its context is done. A connection
//     that saw an io error is invalidated instead of released. Counters, a
//     gauge of open connections and a histogram of acquire latencies are kept
//     in the PoolMetrics registry.
//
//   - streamServer: accepts connections and reads framed messages. Each
//     connection processes one request at a time, all connections share one
//     worker semaphore of config.Workers slots. A payload that fails to decode
//     drops only that message; a corrupt header closes the connection because
//     the frame boundary is lost.
//
// Performance Optimizations:
//
//   - Buffer Pooling: The server uses a sync.Pool to reuse receive buffers,
//     reducing GC pressure and memory allocations.
//
//   - Connection reuse: released connections are handed out LIFO, so a pool
//     that is larger than the current load keeps its hot connections.
//
// Thread Safety:
//
//	All public methods are thread-safe. The server creates a dedicated
//	goroutine for each connection.
package base
