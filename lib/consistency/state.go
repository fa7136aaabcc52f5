package consistency

import (
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"strings"
	"time"
)

// State is the consistency state of one node within a buddy group
type State uint8

const (
	StateGood        State = iota // in sync with its buddy
	StateNeedsResync              // missed mirrored operations, a resync is required
	StateBad                      // resync failed with a local error, operator action required
)

func (s State) String() string {
	switch s {
	case StateGood:
		return "good"
	case StateNeedsResync:
		return "needs-resync"
	case StateBad:
		return "bad"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseState parses the output of State.String
func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "good":
		return StateGood, nil
	case "needs-resync", "needs_resync", "needsresync":
		return StateNeedsResync, nil
	case "bad":
		return StateBad, nil
	default:
		return 0, fmt.Errorf("unknown consistency state %q", s)
	}
}

// TargetKey identifies a node within a buddy group
type TargetKey struct {
	GroupID uint16
	NodeID  uint32
}

func (k TargetKey) String() string {
	return fmt.Sprintf("%d/%d", k.GroupID, k.NodeID)
}

// Record is the persisted state of one target
type Record struct {
	Key      TargetKey
	State    State
	LastComm time.Time // last known good communication, zero if never
}

// ToWire converts the record into its message representation
func (r Record) ToWire() msg.TargetState {
	var lastComm int64
	if !r.LastComm.IsZero() {
		lastComm = r.LastComm.UnixNano()
	}
	return msg.TargetState{
		GroupID:  r.Key.GroupID,
		NodeID:   r.Key.NodeID,
		State:    uint8(r.State),
		LastComm: lastComm,
	}
}

// RecordFromWire converts a message representation into a record
func RecordFromWire(s msg.TargetState) (Record, error) {
	if s.State > uint8(StateBad) {
		return Record{}, fmt.Errorf("invalid state %d for %d/%d", s.State, s.GroupID, s.NodeID)
	}
	r := Record{
		Key:   TargetKey{GroupID: s.GroupID, NodeID: s.NodeID},
		State: State(s.State),
	}
	if s.LastComm != 0 {
		r.LastComm = time.Unix(0, s.LastComm)
	}
	return r, nil
}

// Transition describes one state change
type Transition struct {
	Key    TargetKey
	From   State
	To     State
	Remote bool // applied from a report of another node
}

// allowed reports whether from -> to may happen through Transition.
// NEEDS_RESYNC -> GOOD is reserved for CompleteResync.
func allowed(from, to State) bool {
	switch {
	case to == StateBad:
		return true
	case from == StateGood && to == StateNeedsResync:
		return true
	case from == StateBad && to == StateNeedsResync:
		return true
	default:
		return false
	}
}

// allowedRemote reports whether a reported from -> to may be applied. Only
// the reporting node completes resyncs, so it may also report NEEDS_RESYNC -> GOOD.
func allowedRemote(from, to State) bool {
	return allowed(from, to) || (from == StateNeedsResync && to == StateGood)
}
