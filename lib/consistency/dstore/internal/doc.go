// Package internal defines the raft log commands and the read queries of the
// consistency state machine.
//
// Commands are fixed size (16 bytes, big endian):
//
//	[1 byte type | 2 bytes group | 4 bytes node | 1 byte state | 8 bytes last comm]
//
// Queries are passed to the state machine in memory and are never serialized.
package internal
