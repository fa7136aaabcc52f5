package internal

import (
	"encoding/binary"
	"fmt"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTSave   CommandType = iota // Insert or replace the record of a target.
	CommandTDelete                    // Remove the record of a target.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTSave:
		return "Save"
	case CommandTDelete:
		return "Delete"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// commandSize is type + group + node + state + lastComm
const commandSize = 1 + 2 + 4 + 1 + 8

// Command represents a command to be executed by the state machine (a single entry in the raft log)
type Command struct {
	Type     CommandType
	GroupID  uint16
	NodeID   uint32
	State    uint8
	LastComm int64 // unix nanoseconds, 0 if unknown
}

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	return commandSize
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for operation type,
// 2 bytes for the group id,
// 4 bytes for the node id,
// 1 byte for the state,
// 8 bytes for the last communication timestamp (all big endian)
func (command *Command) Serialize() []byte {
	result := make([]byte, commandSize)
	result[0] = byte(command.Type)
	binary.BigEndian.PutUint16(result[1:3], command.GroupID)
	binary.BigEndian.PutUint32(result[3:7], command.NodeID)
	result[7] = command.State
	binary.BigEndian.PutUint64(result[8:16], uint64(command.LastComm))
	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) != commandSize {
		return fmt.Errorf("invalid command length %d, expected %d", len(data), commandSize)
	}
	command.Type = CommandType(data[0])
	command.GroupID = binary.BigEndian.Uint16(data[1:3])
	command.NodeID = binary.BigEndian.Uint32(data[3:7])
	command.State = data[7]
	command.LastComm = int64(binary.BigEndian.Uint64(data[8:16]))
	return nil
}
