// Package udp implements the connectionless datagram transport. Each packet
// carries exactly one serialized message of at most msg.MaxDatagramSize bytes.
//
// Endpoint serves inbound datagrams and sends outbound ones from the same
// socket. Request performs a single request/response exchange from an
// ephemeral socket; delivery guarantees (retries, acknowledgements) are left
// to the caller.
package udp
