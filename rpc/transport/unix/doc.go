// Package unix implements the message transport over Unix domain sockets for
// nodes running on the same machine.
//
// This package extends the base transport layer with Unix socket-specific connectors
// while inheriting connection pooling, worker bounds and error handling from
// the base package.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates Unix socket listeners and accepts connections
//
// Performance Characteristics:
//
//   - Default buffer size: 64 KB, optimized for local communication patterns
//   - Reduced overhead: Eliminates TCP/IP stack processing for better performance
package unix
