package internal

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTAll QueryType = iota // Retrieve all records.
	QueryTGet                  // Retrieve the record of one target.
)

func (q QueryType) String() string {
	switch q {
	case QueryTAll:
		return "All"
	case QueryTGet:
		return "Get"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead
type Query struct {
	Type    QueryType
	GroupID uint16 // QueryTGet only
	NodeID  uint32 // QueryTGet only
}
