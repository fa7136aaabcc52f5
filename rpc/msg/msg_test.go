package msg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"
)

// --------------------------------------------------------------------------
// Random message generation
// --------------------------------------------------------------------------

const letters = "abcdefghijklmnopqrstuvwxyz0123456789-_/"

func randomString(r *rand.Rand) string {
	n := r.Intn(24)
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}

// fill sets all exported fields of v to random values
func fill(r *rand.Rand, v reflect.Value) {
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Type().Field(i)
			if !field.IsExported() || field.Name == "Base" {
				continue
			}
			fill(r, v.Field(i))
		}
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v.SetUint(r.Uint64())
	case reflect.Int32, reflect.Int64:
		v.SetInt(r.Int63() - r.Int63())
	case reflect.Bool:
		v.SetBool(r.Intn(2) == 1)
	case reflect.String:
		v.SetString(randomString(r))
	case reflect.Slice:
		n := r.Intn(4)
		if n == 0 {
			v.Set(reflect.Zero(v.Type()))
			return
		}
		s := reflect.MakeSlice(v.Type(), n, n)
		for i := 0; i < n; i++ {
			fill(r, s.Index(i))
		}
		v.Set(s)
	case reflect.Ptr:
		if r.Intn(2) == 0 {
			v.Set(reflect.Zero(v.Type()))
			return
		}
		p := reflect.New(v.Type().Elem())
		fill(r, p.Elem())
		v.Set(p)
	}
}

// randomMessage creates a message of type t with random payload and random supported header sections
func randomMessage(t *testing.T, r *rand.Rand, typ MsgType) Message {
	m, ok := New(typ)
	if !ok {
		t.Fatalf("type %d not registered", typ)
	}
	fill(r, reflect.ValueOf(m).Elem())

	h := m.Header()
	if Supports(typ, FeatSequenceNumber) && r.Intn(2) == 1 {
		h.SetSequence(r.Uint64(), r.Uint64())
	}
	if Supports(typ, FeatAckID) && r.Intn(2) == 1 {
		h.SetAckID(randomString(r))
	}
	if Supports(typ, FeatMirror) && r.Intn(2) == 1 {
		h.Flags |= FlagBuddyMirrorSecond
	}
	return m
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

// TestRoundTrip serializes randomized instances of every registered type and
// checks that deserialization yields an equal message
func TestRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for _, typ := range Types() {
		t.Run(typ.String(), func(t *testing.T) {
			for i := 0; i < 200; i++ {
				m := randomMessage(t, r, typ)

				data, err := Marshal(m)
				if err != nil {
					t.Fatalf("Failed to serialize %s: %v", typ, err)
				}
				if len(data) != Size(m) {
					t.Fatalf("Size() = %d, serialized %d bytes", Size(m), len(data))
				}

				result, err := Deserialize(data)
				if err != nil {
					t.Fatalf("Failed to deserialize %s: %v", typ, err)
				}
				if !reflect.DeepEqual(m, result) {
					t.Fatalf("Round trip mismatch for %s:\noriginal: %+v\nresult:   %+v", typ, m, result)
				}
			}
		})
	}
}

func TestOptionalSectionsOrder(t *testing.T) {
	withEntry := &MkDir{ParentID: "root", Name: "d", EntryID: "1-ABC"}
	withBoth := &MkDir{ParentID: "root", Name: "d", EntryID: "1-ABC", Times: &Timestamps{Ctime: 1, Mtime: 2, Atime: 3}}

	a, err := Marshal(withEntry)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Marshal(withBoth)
	if err != nil {
		t.Fatal(err)
	}

	// the timestamps section is appended after the entry id section
	if !bytes.Equal(a[fixedHeaderLen:], b[fixedHeaderLen:len(a)]) {
		t.Fatalf("entry id section moved when timestamps were added")
	}
	if len(b)-len(a) != 24 {
		t.Fatalf("expected 24 bytes of timestamps, got %d", len(b)-len(a))
	}
}

func TestSerializeBufferTooSmall(t *testing.T) {
	m := &MkDir{ParentID: "root", Name: "dir"}
	buf := make([]byte, Size(m)-1)
	if _, err := Serialize(m, buf); !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}

	buf = make([]byte, Size(m)+16)
	n, err := Serialize(m, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != Size(m) {
		t.Fatalf("wrote %d bytes, expected %d", n, Size(m))
	}
}

func TestDeserializeMalformed(t *testing.T) {
	valid, err := Marshal(&RmDir{ParentID: "root", Name: "dir"})
	if err != nil {
		t.Fatal(err)
	}

	// declared length larger than the payload
	bad := append([]byte(nil), valid...)
	bad[5]++

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", valid[:fixedHeaderLen-1]},
		{"truncated payload", valid[:len(valid)-1]},
		{"length mismatch", bad},
		{"trailing bytes", append(append([]byte(nil), valid...), 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Deserialize(tt.data)
			if !errors.Is(err, common.ErrMalformedMessage) {
				t.Fatalf("expected MalformedMessage, got %v", err)
			}
			if m != nil {
				t.Fatalf("expected no message, got %T", m)
			}
		})
	}
}

func TestMkDirEmptyEntryIDFlagged(t *testing.T) {
	valid, err := Marshal(&MkDir{ParentID: "root", Name: "dir"})
	if err != nil {
		t.Fatal(err)
	}

	// flag the entry id section and append an empty string for it
	data := append(append([]byte(nil), valid...), 0, 0, 0, 0)
	binary.BigEndian.PutUint32(data[2:6], uint32(len(data)))
	flags := Flags(binary.BigEndian.Uint32(data[6:10])) | flagMkDirHasEntryID
	binary.BigEndian.PutUint32(data[6:10], uint32(flags))

	m, err := Deserialize(data)
	if !errors.Is(err, common.ErrMalformedMessage) {
		t.Fatalf("expected MalformedMessage, got %v (%+v)", err, m)
	}

	// the same layout with a non-empty id decodes and re-encodes byte-equal
	withID, err := Marshal(&MkDir{ParentID: "root", Name: "dir", EntryID: "e"})
	if err != nil {
		t.Fatal(err)
	}
	m, err = Deserialize(withID)
	if err != nil {
		t.Fatal(err)
	}
	again, err := Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(withID, again) {
		t.Fatalf("re-encoding changed the bytes:\n%x\n%x", withID, again)
	}
}

func TestDeserializeUnknownType(t *testing.T) {
	data, err := Marshal(&Stat{EntryID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	data[0], data[1] = 0xFF, 0xEE

	m, err := Deserialize(data)
	if !errors.Is(err, common.ErrUnknownMessageType) {
		t.Fatalf("expected UnknownMessageType, got %v", err)
	}
	invalid, ok := m.(*Invalid)
	if !ok {
		t.Fatalf("expected *Invalid sentinel, got %T", m)
	}
	if invalid.TypeID != 0xFFEE {
		t.Fatalf("sentinel lost the type id: %d", invalid.TypeID)
	}
}

func TestUnsupportedFeatureFlags(t *testing.T) {
	// Stat does not support sequence numbers
	m := &Stat{EntryID: "x"}
	m.Header().SetSequence(1, 0)
	if _, err := Marshal(m); !errors.Is(err, common.ErrMalformedMessage) {
		t.Fatalf("expected encode to fail, got %v", err)
	}

	// patch the flag into a valid encoding
	data, err := Marshal(&Stat{EntryID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	data[9] |= byte(FlagHasAckID)
	if _, err := Deserialize(data); !errors.Is(err, common.ErrMalformedMessage) {
		t.Fatalf("expected decode to fail, got %v", err)
	}
}

func TestReadFrame(t *testing.T) {
	first := &MkDir{ParentID: "root", Name: "a"}
	first.Header().SetSequence(7, 3)
	second := &Ack{ID: "ack-1"}

	var stream bytes.Buffer
	if err := WriteMessage(&stream, first); err != nil {
		t.Fatal(err)
	}
	if err := WriteMessage(&stream, second); err != nil {
		t.Fatal(err)
	}

	// deliver the stream one byte at a time
	r := iotest.OneByteReader(&stream)
	for _, want := range []Message{first, second} {
		frame, err := ReadFrame(r, make([]byte, 4))
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		got, err := Deserialize(frame)
		if err != nil {
			t.Fatalf("Deserialize failed: %v", err)
		}
		if !reflect.DeepEqual(want, got) {
			t.Fatalf("expected %+v, got %+v", want, got)
		}
	}
}

func TestReadFrameInvalidLength(t *testing.T) {
	data, err := Marshal(&Ack{ID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	data[2] = 0xFF // declared length far beyond MaxMessageSize

	if _, err := ReadFrame(bytes.NewReader(data), nil); !errors.Is(err, common.ErrMalformedMessage) {
		t.Fatalf("expected MalformedMessage, got %v", err)
	}
}

func TestAccumulator(t *testing.T) {
	var stream []byte
	var want []Message
	for i := 0; i < 5; i++ {
		m := &RmDir{ParentID: "root", Name: strings.Repeat("x", i)}
		m.Header().SetSequence(uint64(i+1), uint64(i))
		data, err := Marshal(m)
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, data...)
		want = append(want, m)
	}

	// feed in chunks of 7 bytes, which never line up with message boundaries
	var acc Accumulator
	var got []Message
	for len(stream) > 0 {
		n := min(7, len(stream))
		acc.Feed(stream[:n])
		stream = stream[n:]

		for {
			frame, err := acc.Next()
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if frame == nil {
				break
			}
			m, err := Deserialize(frame)
			if err != nil {
				t.Fatalf("Deserialize failed: %v", err)
			}
			got = append(got, m)
		}
	}

	if !reflect.DeepEqual(want, got) {
		t.Fatalf("expected %d messages, got %d", len(want), len(got))
	}
	if acc.Buffered() != 0 {
		t.Fatalf("expected empty accumulator, %d bytes left", acc.Buffered())
	}
}
