// Package common provides core data structures and utilities shared across
// the metadata node. It defines configuration structures, the error taxonomy
// of the replication protocol, and the logging setup used by all other packages.
//
// The package focuses on:
//   - Configuration structures for nodes (server) and outgoing requests (client)
//   - A single error type whose codes classify every protocol failure
//   - Custom logging implementation integrated with Dragonboat
//   - Utilities for Dragonboat (RAFT) integration used by the replicated state store
//
// Key Components:
//
//   - ServerConfig: Configuration of a metadata node, including its identity,
//     the cluster layout (nodes and buddy groups), the consistency state store
//     and the resync settings. Provides utilities for converting to
//     Dragonboat-specific configurations.
//
//   - ClientConfig: Configuration for outgoing requests, controlling connection
//     pooling, timeouts, the retry policy for backpressure control codes
//     and at-least-once delivery of datagram notifications.
//
//   - Error: The error type returned by the protocol layers. Its Code is one of
//     MalformedMessage, UnknownMessageType, CommunicationError, ProtocolViolation,
//     ApplicationError or Backpressure; use errors.Is with the Err* sentinels.
//
//   - Logger: Custom logging implementation that integrates with Dragonboat's
//     logging system while providing consistent formatting across the application.
package common
