package msg

import (
	"fmt"
	"sort"
)

// MsgType is the 16 bit numeric type id of a message
type MsgType uint16

// Feature declares which optional header sections a message type supports
type Feature uint8

const (
	FeatSequenceNumber Feature = 1 << iota // header may carry seq/seqDone
	FeatAckID                              // message is acknowledgeable
	FeatMirror                             // message may be forwarded to a buddy
)

// typeInfo describes one entry of the message universe
type typeInfo struct {
	name     string
	features Feature
	factory  func() Message
}

// registry maps every known type id to its description.
// It is populated by init functions and read-only afterwards.
var registry = map[MsgType]typeInfo{}

// register adds a type to the registry. Registering an id twice is a programming error.
func register(t MsgType, name string, features Feature, factory func() Message) {
	if _, ok := registry[t]; ok {
		panic(fmt.Sprintf("msg: type %d registered twice", t))
	}
	registry[t] = typeInfo{name: name, features: features, factory: factory}
}

// New returns a zero message of type t
func New(t MsgType) (Message, bool) {
	info, ok := registry[t]
	if !ok {
		return nil, false
	}
	return info.factory(), true
}

// Supports reports whether type t declares feature f
func Supports(t MsgType, f Feature) bool {
	info, ok := registry[t]
	return ok && info.features&f == f
}

// Types returns all registered type ids in ascending order
func Types() []MsgType {
	types := make([]MsgType, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (t MsgType) String() string {
	if t == MsgTInvalid {
		return "Invalid"
	}
	if info, ok := registry[t]; ok {
		return info.name
	}
	return fmt.Sprintf("Unknown(%d)", uint16(t))
}

// MarshalJSON is used for the admin api
func (t MsgType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// --------------------------------------------------------------------------
// Type ids
// --------------------------------------------------------------------------

const (
	MsgTInvalid MsgType = 0

	// Control messages
	MsgTGenericResponse MsgType = 1
	MsgTAck             MsgType = 2
	MsgTAckNotify       MsgType = 3
	MsgTAckNotifyResp   MsgType = 4
	MsgTMirrorResp      MsgType = 5

	// Metadata operations
	MsgTMkDir       MsgType = 100
	MsgTMkDirResp   MsgType = 101
	MsgTRmDir       MsgType = 102
	MsgTRmDirResp   MsgType = 103
	MsgTSetAttr     MsgType = 104
	MsgTSetAttrResp MsgType = 105
	MsgTStat        MsgType = 106
	MsgTStatResp    MsgType = 107

	// Consistency state
	MsgTTargetStatesNotify  MsgType = 200
	MsgTGetTargetStates     MsgType = 201
	MsgTGetTargetStatesResp MsgType = 202
	MsgTSetTargetState      MsgType = 203
	MsgTSetTargetStateResp  MsgType = 204

	// Resync
	MsgTStartResync     MsgType = 300
	MsgTStartResyncResp MsgType = 301
	MsgTAbortResync     MsgType = 302
	MsgTAbortResyncResp MsgType = 303
	MsgTResyncBegin     MsgType = 304
	MsgTResyncEntry     MsgType = 305
	MsgTResyncFinish    MsgType = 306
	MsgTResyncResp      MsgType = 307
)
