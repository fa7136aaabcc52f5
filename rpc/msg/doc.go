// Package msg implements the binary message envelope shared by all nodes and
// the complete universe of message types exchanged between them.
//
// Wire format (big endian):
//
//	u16 type | u32 total length | u32 feature flags
//	[u64 seq | u64 seqDone]        if FlagHasSequenceNumber
//	[u32 len | ack-ID]             if FlagHasAckID
//	payload
//
// The lower 16 flag bits are header level (FlagBuddyMirrorSecond,
// FlagHasSequenceNumber, FlagHasAckID), the upper 16 bits are owned by the
// individual types and select optional payload sections. Header level flags
// are only accepted for types that declare the corresponding Feature.
//
// Every type declares its payload once in Fields. The same declaration drives
// the size calculation, the encoder and the decoder, so the field order is by
// construction identical in both directions.
//
// Key Components:
//
//   - Message, Base, Mirror: the interface all types implement and the
//     embeddable parts carrying the header and the requestor of mirrored requests.
//
//   - Serialize / Marshal / Deserialize: envelope encoding. Deserialize returns
//     an *Invalid sentinel together with an UnknownMessageType error for type
//     ids that are not registered.
//
//   - ReadFrame: stream framing that accumulates bytes until the declared
//     length is available. Datagram transports pass a whole packet to Deserialize.
//
//   - Registry: type id to factory and feature set, populated at init time.
package msg
