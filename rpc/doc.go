// Package rpc provides the communication layer of the metadata nodes. It
// carries client requests, operations mirrored from a primary to its
// secondary, consistency state reports and operator requests.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures and utilities used across the RPC system,
//     including configuration structures, the error taxonomy and logging.
//
//   - msg: The wire format. Every message is a fixed header followed by a
//     payload; the registry maps type ids to message constructors.
//
//   - transport: Network communication abstractions with pluggable implementations
//     (TCP, Unix sockets, UDP).
//
//   - ack: At-least-once delivery of datagram notifications with acknowledgement
//     ids and duplicate suppression.
//
//   - client: The requester with its retry and backpressure handling, and
//     typed clients for metadata and operator requests.
//
//   - server: RPC server components that handle incoming requests, including
//     the dispatcher, the adapters for operator requests and the node itself.
package rpc
