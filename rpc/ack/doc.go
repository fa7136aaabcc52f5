// Package ack implements at-least-once delivery of datagram messages.
//
// A Sender assigns an ack-ID to an acknowledgeable message, registers a wait
// entry in its Store and resends the message until the matching Ack arrives
// or the retries are exhausted. Ack-IDs have the form "<prefix>-<counter>"
// with a random prefix per Store.
//
// A Receiver wraps the handler of a datagram endpoint. It resolves inbound
// Acks against the local Store and answers every message carrying an ack-ID
// with an Ack, while running the wrapped handler only for the first copy of
// each (sender, ack-ID) pair. Seen ids are kept in a TTL cache.
package ack
