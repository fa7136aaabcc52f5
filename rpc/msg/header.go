package msg

import (
	"encoding/binary"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
)

// Flags is the 32 bit feature-flag bitmask of a message.
// The lower 16 bits are header level flags, the upper 16 bits are
// reserved for type specific payload sections.
type Flags uint32

// Header level flags
const (
	FlagBuddyMirrorSecond Flags = 1 << 0 // message is the forwarded copy of a mirrored operation
	FlagHasSequenceNumber Flags = 1 << 1 // header carries seq and seqDone
	FlagHasAckID          Flags = 1 << 2 // header carries a length prefixed ack-ID

	headerFlagMask  Flags = 0x0000FFFF
	payloadFlagMask Flags = 0xFFFF0000
)

// Has reports whether all bits of flag are set
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

const (
	// fixedHeaderLen is u16 type + u32 length + u32 flags
	fixedHeaderLen = 2 + 4 + 4

	// MaxMessageSize bounds the declared length of a single message
	MaxMessageSize = 1 << 20

	// MaxDatagramSize is the largest message a datagram transport can carry
	MaxDatagramSize = 65507

	// MaxAckIDLen bounds the length of ack-IDs
	MaxAckIDLen = 255
)

// Header holds the envelope fields that are not part of the type specific payload.
// The type id and total length are derived on serialization.
type Header struct {
	Flags   Flags
	Seq     uint64 // valid if FlagHasSequenceNumber is set
	SeqDone uint64 // highest sequence number the sender knows to be finished
	AckID   string // valid if FlagHasAckID is set
}

// SetSequence sets the sequence numbers and the corresponding flag
func (h *Header) SetSequence(seq, seqDone uint64) {
	h.Flags |= FlagHasSequenceNumber
	h.Seq = seq
	h.SeqDone = seqDone
}

// ClearSequence removes the sequence section
func (h *Header) ClearSequence() {
	h.Flags &^= FlagHasSequenceNumber
	h.Seq = 0
	h.SeqDone = 0
}

// SetAckID sets the ack-ID and the corresponding flag
func (h *Header) SetAckID(id string) {
	h.Flags |= FlagHasAckID
	h.AckID = id
}

// IsSecondary reports whether the message is a forwarded mirror copy
func (h *Header) IsSecondary() bool {
	return h.Flags.Has(FlagBuddyMirrorSecond)
}

// encodedLen returns the number of bytes the header occupies on the wire
func (h *Header) encodedLen() int {
	n := fixedHeaderLen
	if h.Flags.Has(FlagHasSequenceNumber) {
		n += 16
	}
	if h.Flags.Has(FlagHasAckID) {
		n += 4 + len(h.AckID)
	}
	return n
}

// DeclaredLength reads the total message length from the fixed part of a header.
// It fails with a malformed message error if b is shorter than the fixed header
// or the declared length is out of bounds.
func DeclaredLength(b []byte) (int, error) {
	if len(b) < fixedHeaderLen {
		return 0, common.NewError(common.ErrCMalformedMessage, "header too short: %d bytes", len(b))
	}
	length := int(binary.BigEndian.Uint32(b[2:6]))
	if length < fixedHeaderLen || length > MaxMessageSize {
		return 0, common.NewError(common.ErrCMalformedMessage, "invalid declared length %d", length)
	}
	return length, nil
}

// FixedHeaderLen returns the number of bytes needed to call DeclaredLength
func FixedHeaderLen() int {
	return fixedHeaderLen
}
