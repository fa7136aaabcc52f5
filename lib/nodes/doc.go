// Package nodes holds the static cluster layout: the addresses of every node
// and the buddy groups pairing a primary with a secondary.
//
// The Registry implements client.INodeResolver. Connection pools are created
// lazily on the first request to a node, concurrent first requests share one
// creation. Stream addresses starting with "/" or "unix://" are served over
// unix sockets, all others over tcp.
package nodes
