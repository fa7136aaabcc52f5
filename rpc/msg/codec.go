package msg

import (
	"encoding/binary"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
)

// Codec walks the payload fields of a message. Every message declares its
// fields exactly once (see Message.Fields); the same declaration is used to
// compute the size, to encode and to decode, so the field order is shared by
// both directions.
//
// Errors are sticky: after the first failure all further calls are no-ops and
// Err returns the failure.
type Codec interface {
	Uint8(v *uint8)
	Uint16(v *uint16)
	Uint32(v *uint32)
	Uint64(v *uint64)
	Int64(v *int64)
	Bool(v *bool)
	String(v *string)
	Bytes(v *[]byte)
	Strings(v *[]string)

	// Flags returns the feature flags of the message being processed.
	// When encoding these include the payload flags derived from content.
	Flags() Flags

	// Decoding reports whether the codec fills the fields (true) or reads them (false)
	Decoding() bool

	// Err returns the first error
	Err() error

	// checkCount validates a decoded element count against the remaining input
	checkCount(n uint32) bool

	// invalid marks decoded content as malformed
	invalid(format string, args ...interface{})
}

// List declares a length prefixed list of T, each element declared by fn.
// Decoding an empty list yields nil.
func List[T any](c Codec, list *[]T, fn func(c Codec, item *T)) {
	n := uint32(len(*list))
	c.Uint32(&n)
	if c.Decoding() {
		if !c.checkCount(n) {
			return
		}
		if n == 0 {
			*list = nil
			return
		}
		*list = make([]T, n)
	}
	for i := range *list {
		fn(c, &(*list)[i])
		if c.Err() != nil {
			return
		}
	}
}

// --------------------------------------------------------------------------
// Size calculation
// --------------------------------------------------------------------------

type sizer struct {
	n     int
	flags Flags
}

func (s *sizer) Uint8(*uint8)                   { s.n += 1 }
func (s *sizer) Uint16(*uint16)                 { s.n += 2 }
func (s *sizer) Uint32(*uint32)                 { s.n += 4 }
func (s *sizer) Uint64(*uint64)                 { s.n += 8 }
func (s *sizer) Int64(*int64)                   { s.n += 8 }
func (s *sizer) Bool(*bool)                     { s.n += 1 }
func (s *sizer) String(v *string)               { s.n += 4 + len(*v) }
func (s *sizer) Bytes(v *[]byte)                { s.n += 4 + len(*v) }
func (s *sizer) Flags() Flags                   { return s.flags }
func (s *sizer) Decoding() bool                 { return false }
func (s *sizer) Err() error                     { return nil }
func (s *sizer) checkCount(uint32) bool         { return true }
func (s *sizer) invalid(string, ...interface{}) {}

func (s *sizer) Strings(v *[]string) {
	s.n += 4
	for _, str := range *v {
		s.n += 4 + len(str)
	}
}

// --------------------------------------------------------------------------
// Encoding
// --------------------------------------------------------------------------

type encoder struct {
	buf   []byte
	pos   int
	flags Flags
	err   error
}

// reserve returns the next n bytes of the buffer or fails
func (e *encoder) reserve(n int) []byte {
	if e.err != nil {
		return nil
	}
	if len(e.buf)-e.pos < n {
		e.err = ErrBufferTooSmall
		return nil
	}
	b := e.buf[e.pos : e.pos+n]
	e.pos += n
	return b
}

func (e *encoder) Uint8(v *uint8) {
	if b := e.reserve(1); b != nil {
		b[0] = *v
	}
}

func (e *encoder) Uint16(v *uint16) {
	if b := e.reserve(2); b != nil {
		binary.BigEndian.PutUint16(b, *v)
	}
}

func (e *encoder) Uint32(v *uint32) {
	if b := e.reserve(4); b != nil {
		binary.BigEndian.PutUint32(b, *v)
	}
}

func (e *encoder) Uint64(v *uint64) {
	if b := e.reserve(8); b != nil {
		binary.BigEndian.PutUint64(b, *v)
	}
}

func (e *encoder) Int64(v *int64) {
	if b := e.reserve(8); b != nil {
		binary.BigEndian.PutUint64(b, uint64(*v))
	}
}

func (e *encoder) Bool(v *bool) {
	if b := e.reserve(1); b != nil {
		b[0] = 0
		if *v {
			b[0] = 1
		}
	}
}

func (e *encoder) String(v *string) {
	if b := e.reserve(4 + len(*v)); b != nil {
		binary.BigEndian.PutUint32(b[:4], uint32(len(*v)))
		copy(b[4:], *v)
	}
}

func (e *encoder) Bytes(v *[]byte) {
	if b := e.reserve(4 + len(*v)); b != nil {
		binary.BigEndian.PutUint32(b[:4], uint32(len(*v)))
		copy(b[4:], *v)
	}
}

func (e *encoder) Strings(v *[]string) {
	n := uint32(len(*v))
	e.Uint32(&n)
	for i := range *v {
		e.String(&(*v)[i])
	}
}

func (e *encoder) Flags() Flags                   { return e.flags }
func (e *encoder) Decoding() bool                 { return false }
func (e *encoder) Err() error                     { return e.err }
func (e *encoder) checkCount(n uint32) bool       { return true }
func (e *encoder) invalid(string, ...interface{}) {}

// --------------------------------------------------------------------------
// Decoding
// --------------------------------------------------------------------------

type decoder struct {
	buf   []byte
	pos   int
	flags Flags
	err   error
}

// take returns the next n bytes of the input or fails with a malformed message error
func (d *decoder) take(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.pos < n {
		d.err = common.NewError(common.ErrCMalformedMessage, "data too short for %s (need %d, have %d)", what, n, len(d.buf)-d.pos)
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *decoder) Uint8(v *uint8) {
	if b := d.take(1, "uint8"); b != nil {
		*v = b[0]
	}
}

func (d *decoder) Uint16(v *uint16) {
	if b := d.take(2, "uint16"); b != nil {
		*v = binary.BigEndian.Uint16(b)
	}
}

func (d *decoder) Uint32(v *uint32) {
	if b := d.take(4, "uint32"); b != nil {
		*v = binary.BigEndian.Uint32(b)
	}
}

func (d *decoder) Uint64(v *uint64) {
	if b := d.take(8, "uint64"); b != nil {
		*v = binary.BigEndian.Uint64(b)
	}
}

func (d *decoder) Int64(v *int64) {
	if b := d.take(8, "int64"); b != nil {
		*v = int64(binary.BigEndian.Uint64(b))
	}
}

func (d *decoder) Bool(v *bool) {
	b := d.take(1, "bool")
	if b == nil {
		return
	}
	switch b[0] {
	case 0:
		*v = false
	case 1:
		*v = true
	default:
		d.err = common.NewError(common.ErrCMalformedMessage, "invalid bool value %d", b[0])
	}
}

// length reads a u32 length prefix
func (d *decoder) length(what string) int {
	b := d.take(4, what+" length")
	if b == nil {
		return -1
	}
	return int(binary.BigEndian.Uint32(b))
}

func (d *decoder) String(v *string) {
	n := d.length("string")
	if b := d.take(n, "string"); b != nil {
		*v = string(b)
	}
}

func (d *decoder) Bytes(v *[]byte) {
	n := d.length("bytes")
	b := d.take(n, "bytes")
	if b == nil {
		return
	}
	if n == 0 {
		*v = nil
		return
	}
	*v = append([]byte(nil), b...)
}

func (d *decoder) Strings(v *[]string) {
	var n uint32
	d.Uint32(&n)
	if !d.checkCount(n) {
		return
	}
	if n == 0 {
		*v = nil
		return
	}
	*v = make([]string, n)
	for i := range *v {
		d.String(&(*v)[i])
	}
}

func (d *decoder) checkCount(n uint32) bool {
	if d.err != nil {
		return false
	}
	if int64(n) > int64(len(d.buf)-d.pos) {
		d.err = common.NewError(common.ErrCMalformedMessage, "list count %d exceeds remaining %d bytes", n, len(d.buf)-d.pos)
		return false
	}
	return true
}

func (d *decoder) Flags() Flags   { return d.flags }
func (d *decoder) Decoding() bool { return true }

func (d *decoder) invalid(format string, args ...interface{}) {
	if d.err == nil {
		d.err = common.NewError(common.ErrCMalformedMessage, format, args...)
	}
}
func (d *decoder) Err() error { return d.err }
