package msg

import (
	"io"
)

// ReadFrame reads exactly one message from a stream. It accumulates bytes
// until the fixed header is complete, then until the declared length is
// available, and returns the complete message bytes.
//
// buf is used if it is large enough, otherwise a new buffer is allocated.
// A header with an invalid declared length fails with a MalformedMessage
// error; the stream is not usable afterwards since the frame boundary is lost.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	if len(buf) < fixedHeaderLen {
		buf = make([]byte, 4096)
	}

	// Read fixed header
	if _, err := io.ReadFull(r, buf[:fixedHeaderLen]); err != nil {
		return nil, err
	}

	length, err := DeclaredLength(buf[:fixedHeaderLen])
	if err != nil {
		return nil, err
	}

	// Grow the buffer if needed, keeping the header
	if len(buf) < length {
		grown := make([]byte, length)
		copy(grown, buf[:fixedHeaderLen])
		buf = grown
	}

	// Read the rest of the message
	if _, err := io.ReadFull(r, buf[fixedHeaderLen:length]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf[:length], nil
}

// WriteMessage serializes m and writes it to w in a single call
func WriteMessage(w io.Writer, m Message) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Accumulator collects bytes of a stream that arrive in arbitrary chunks and
// hands out complete messages once their declared length is available.
type Accumulator struct {
	buf []byte
}

// Feed appends received bytes
func (a *Accumulator) Feed(b []byte) {
	a.buf = append(a.buf, b...)
}

// Buffered returns the number of bytes not yet returned by Next
func (a *Accumulator) Buffered() int {
	return len(a.buf)
}

// Next returns the bytes of the next complete message, or nil if more input
// is needed. An invalid declared length is a MalformedMessage error and the
// accumulator must be discarded.
func (a *Accumulator) Next() ([]byte, error) {
	if len(a.buf) < fixedHeaderLen {
		return nil, nil
	}
	length, err := DeclaredLength(a.buf)
	if err != nil {
		return nil, err
	}
	if len(a.buf) < length {
		return nil, nil
	}

	frame := make([]byte, length)
	copy(frame, a.buf[:length])
	a.buf = append(a.buf[:0], a.buf[length:]...)
	return frame, nil
}
