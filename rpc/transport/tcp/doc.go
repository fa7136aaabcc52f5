// Package tcp implements the TCP socket transport of the message layer.
// It provides the connectors the base package needs to dial and listen.
//
// This package builds on the base package's transport functionality, inheriting
// its connection pooling, worker bounds and error classification. See the base
// package documentation for details.
//
// Key Components:
//
//   - clientConnector: dials TCP endpoints and applies TCPConf and SocketConf
//
//   - serverConnector: creates TCP listeners
//
// The default server receive buffer is 512 KB. Larger messages are read into
// a temporary buffer.
package tcp
