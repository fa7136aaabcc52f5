// Package transport defines the contracts between the message layer and the
// network. Inbound transports decode messages and hand them to a single
// ServerHandleFunc together with a ReplyFunc bound to the peer. Outbound
// transports carry one serialized request and return the decoded response.
//
// The package focuses on:
//   - Defining clear interfaces for client and server transport layers
//   - Keeping the wire format (package msg) independent of the medium
//   - Enabling multiple transport implementations (TCP, Unix sockets, UDP)
//
// Key Components:
//
//   - IServerTransport: inbound transport, implemented by base.NewStreamServer
//     (tcp, unix) and udp.Endpoint.
//
//   - IConnPool / IConn: outbound stream connections with at most one
//     outstanding request each, implemented by base.ConnPool.
//
//   - Request / ServerHandleFunc: one decoded inbound message and the callback
//     processing it.
package transport
