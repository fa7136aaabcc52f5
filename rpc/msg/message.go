package msg

import (
	"encoding/binary"
	"errors"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
)

// ErrBufferTooSmall is returned by Serialize if the destination cannot hold the message
var ErrBufferTooSmall = errors.New("msg: destination buffer too small")

// --------------------------------------------------------------------------
// Interface Definitions
// --------------------------------------------------------------------------

// Message is implemented by every type of the message universe.
type Message interface {
	// Type returns the numeric type id written into the header
	Type() MsgType

	// Header gives access to the envelope fields
	Header() *Header

	// Fields declares the payload fields in wire order (see Codec)
	Fields(c Codec)
}

// payloadFlagger is implemented by messages with optional payload sections.
// The returned flags are derived from the content (e.g. a non-nil pointer)
// and are only present on the wire.
type payloadFlagger interface {
	payloadFlags() Flags
}

// Base carries the header of a message and is embedded by all message types
type Base struct {
	header Header
}

// Header implements Message
func (b *Base) Header() *Header {
	return &b.header
}

// Mirror is embedded by mirrored requests. RequestorID identifies the node
// that issued the original request, so forwarded copies keep the client's
// sequence-number session.
type Mirror struct {
	RequestorID uint32
}

// Requestor returns the node that issued the original request
func (m *Mirror) Requestor() uint32 {
	return m.RequestorID
}

// SetRequestor sets the node that issued the original request
func (m *Mirror) SetRequestor(id uint32) {
	m.RequestorID = id
}

// MirroredMessage is implemented by all requests that can be forwarded to a buddy
type MirroredMessage interface {
	Message
	Requestor() uint32
	SetRequestor(id uint32)
}

// Invalid is the sentinel produced when an unknown type id is decoded.
// TypeID holds the id found on the wire.
type Invalid struct {
	Base
	TypeID MsgType
}

func (m *Invalid) Type() MsgType  { return MsgTInvalid }
func (m *Invalid) Fields(_ Codec) {}

// --------------------------------------------------------------------------
// Serialization
// --------------------------------------------------------------------------

// wireFlags returns the header flags combined with the content derived payload flags
func wireFlags(m Message) Flags {
	flags := m.Header().Flags & headerFlagMask
	if p, ok := m.(payloadFlagger); ok {
		flags |= p.payloadFlags() & payloadFlagMask
	}
	return flags
}

// checkFeatures verifies that the header flags are supported by the type
func checkFeatures(t MsgType, flags Flags) error {
	if flags.Has(FlagHasSequenceNumber) && !Supports(t, FeatSequenceNumber) {
		return common.NewError(common.ErrCMalformedMessage, "%s does not support sequence numbers", t)
	}
	if flags.Has(FlagHasAckID) && !Supports(t, FeatAckID) {
		return common.NewError(common.ErrCMalformedMessage, "%s is not acknowledgeable", t)
	}
	if flags.Has(FlagBuddyMirrorSecond) && !Supports(t, FeatMirror) {
		return common.NewError(common.ErrCMalformedMessage, "%s cannot be mirrored", t)
	}
	return nil
}

// Size returns the number of bytes needed to serialize m
func Size(m Message) int {
	s := &sizer{flags: wireFlags(m)}
	m.Fields(s)
	return m.Header().encodedLen() + s.n
}

// Serialize writes m into buf and returns the number of bytes written.
// It fails with ErrBufferTooSmall if buf is smaller than Size(m).
func Serialize(m Message, buf []byte) (int, error) {
	h := m.Header()
	flags := wireFlags(m)
	if err := checkFeatures(m.Type(), flags); err != nil {
		return 0, err
	}
	if h.Flags.Has(FlagHasAckID) && len(h.AckID) > MaxAckIDLen {
		return 0, common.NewError(common.ErrCMalformedMessage, "ack-ID too long (%d bytes)", len(h.AckID))
	}

	// Calculate total size needed
	size := Size(m)
	if size > MaxMessageSize {
		return 0, common.NewError(common.ErrCMalformedMessage, "message too large (%d bytes)", size)
	}
	if len(buf) < size {
		return 0, ErrBufferTooSmall
	}

	// Write fixed header
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Type()))
	binary.BigEndian.PutUint32(buf[2:6], uint32(size))
	binary.BigEndian.PutUint32(buf[6:10], uint32(flags))
	pos := fixedHeaderLen

	// Write optional header sections
	if flags.Has(FlagHasSequenceNumber) {
		binary.BigEndian.PutUint64(buf[pos:pos+8], h.Seq)
		binary.BigEndian.PutUint64(buf[pos+8:pos+16], h.SeqDone)
		pos += 16
	}
	if flags.Has(FlagHasAckID) {
		binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(len(h.AckID)))
		copy(buf[pos+4:], h.AckID)
		pos += 4 + len(h.AckID)
	}

	// Write payload
	e := &encoder{buf: buf[:size], pos: pos, flags: flags}
	m.Fields(e)
	if e.err != nil {
		return 0, e.err
	}
	return e.pos, nil
}

// Marshal serializes m into a newly allocated buffer
func Marshal(m Message) ([]byte, error) {
	buf := make([]byte, Size(m))
	n, err := Serialize(m, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Deserialize decodes exactly one message from b.
//
// Truncated or inconsistent input fails with a MalformedMessage error. An
// unregistered type id fails with an UnknownMessageType error and returns an
// *Invalid sentinel together with the error so callers can log and continue.
func Deserialize(b []byte) (Message, error) {
	length, err := DeclaredLength(b)
	if err != nil {
		return nil, err
	}
	if length != len(b) {
		return nil, common.NewError(common.ErrCMalformedMessage, "declared length %d does not match %d received bytes", length, len(b))
	}

	t := MsgType(binary.BigEndian.Uint16(b[0:2]))
	flags := Flags(binary.BigEndian.Uint32(b[6:10]))

	m, ok := New(t)
	if !ok {
		invalid := &Invalid{TypeID: t}
		invalid.header.Flags = flags & headerFlagMask
		return invalid, common.NewError(common.ErrCUnknownMessageType, "unknown message type %d", uint16(t))
	}
	if err := checkFeatures(t, flags); err != nil {
		return nil, err
	}

	d := &decoder{buf: b, pos: fixedHeaderLen, flags: flags}
	h := m.Header()
	h.Flags = flags & headerFlagMask

	// Read optional header sections
	if flags.Has(FlagHasSequenceNumber) {
		d.Uint64(&h.Seq)
		d.Uint64(&h.SeqDone)
	}
	if flags.Has(FlagHasAckID) {
		d.String(&h.AckID)
		if d.err == nil && len(h.AckID) > MaxAckIDLen {
			return nil, common.NewError(common.ErrCMalformedMessage, "ack-ID too long (%d bytes)", len(h.AckID))
		}
	}
	if d.err != nil {
		return nil, d.err
	}

	// Read payload
	m.Fields(d)
	if d.err != nil {
		return nil, common.WrapError(common.ErrCMalformedMessage, d.err, "failed to decode %s", t)
	}
	if d.pos != len(b) {
		return nil, common.NewError(common.ErrCMalformedMessage, "%d trailing bytes after %s", len(b)-d.pos, t)
	}
	return m, nil
}
