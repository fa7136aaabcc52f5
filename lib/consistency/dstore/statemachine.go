package dstore

import (
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/lib/consistency"
	"github.com/ThinkParQ/beegfs-sub020/lib/consistency/dstore/internal"
	"github.com/goccy/go-yaml"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"io"
	"sort"
	"sync"
	"time"
)

// Result codes of the state machine
const (
	resultSuccess uint64 = iota
	resultInternalError
	resultInvalidOperation
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// StateMachine is the Dragonboat state machine holding the consistency records
type StateMachine struct {
	replicaID uint64
	shardID   uint64

	mu      sync.RWMutex // Update and Lookup run concurrently
	records map[consistency.TargetKey]consistency.Record
}

// CreateStateMachineFactory returns the factory dragonboat uses to create the state machine of a replica
func CreateStateMachineFactory() func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return &StateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			records:   map[consistency.TargetKey]consistency.Record{},
		}
	}
}

// Lookup handles read-only queries
func (fsm *StateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, fmt.Errorf("invalid query type: %T", itf)
	}

	fsm.mu.RLock()
	defer fsm.mu.RUnlock()

	switch q.Type {
	case internal.QueryTAll:
		return fsm.sortedRecords(), nil
	case internal.QueryTGet:
		rec, ok := fsm.records[consistency.TargetKey{GroupID: q.GroupID, NodeID: q.NodeID}]
		return GetResult{Record: rec, Ok: ok}, nil
	default:
		return nil, fmt.Errorf("unknown query operation: %d", q.Type)
	}
}

// GetResult is the result of a QueryTGet lookup
type GetResult struct {
	Record consistency.Record
	Ok     bool
}

// Update applies committed commands
func (fsm *StateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	fsm.mu.Lock()
	defer fsm.mu.Unlock()

	for idx, e := range entries {
		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{Value: resultInternalError, Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
			continue
		}

		key := consistency.TargetKey{GroupID: cmd.GroupID, NodeID: cmd.NodeID}
		switch cmd.Type {
		case internal.CommandTSave:
			rec := consistency.Record{Key: key, State: consistency.State(cmd.State)}
			if cmd.LastComm != 0 {
				rec.LastComm = time.Unix(0, cmd.LastComm)
			}
			fsm.records[key] = rec
			entries[idx].Result = sm.Result{Value: resultSuccess}
		case internal.CommandTDelete:
			delete(fsm.records, key)
			entries[idx].Result = sm.Result{Value: resultSuccess}
		default:
			entries[idx].Result = sm.Result{
				Value: resultInvalidOperation,
				Data:  []byte(fmt.Sprintf("unknown command operation: %s", cmd.Type)),
			}
		}
	}
	return entries, nil
}

// PrepareSnapshot copies the records, SaveSnapshot may run concurrently with Update
func (fsm *StateMachine) PrepareSnapshot() (interface{}, error) {
	fsm.mu.RLock()
	defer fsm.mu.RUnlock()
	return fsm.sortedRecords(), nil
}

// snapshotRecord is the yaml representation of a record within a snapshot
type snapshotRecord struct {
	Group    uint16 `yaml:"group"`
	Node     uint32 `yaml:"node"`
	State    uint8  `yaml:"state"`
	LastComm int64  `yaml:"last_comm"`
}

// SaveSnapshot writes the records prepared by PrepareSnapshot as yaml
func (fsm *StateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	recs, ok := ctx.([]consistency.Record)
	if !ok {
		return fmt.Errorf("invalid snapshot context: %T", ctx)
	}
	out := make([]snapshotRecord, len(recs))
	for i, rec := range recs {
		w := rec.ToWire()
		out[i] = snapshotRecord{Group: w.GroupID, Node: w.NodeID, State: w.State, LastComm: w.LastComm}
	}
	return yaml.NewEncoder(writer).Encode(out)
}

// RecoverFromSnapshot replaces all records with the snapshot content
func (fsm *StateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	var in []snapshotRecord
	if err := yaml.NewDecoder(r).Decode(&in); err != nil && err != io.EOF {
		return err
	}

	records := make(map[consistency.TargetKey]consistency.Record, len(in))
	for _, sr := range in {
		key := consistency.TargetKey{GroupID: sr.Group, NodeID: sr.Node}
		rec := consistency.Record{Key: key, State: consistency.State(sr.State)}
		if sr.LastComm != 0 {
			rec.LastComm = time.Unix(0, sr.LastComm)
		}
		records[key] = rec
	}

	fsm.mu.Lock()
	fsm.records = records
	fsm.mu.Unlock()
	return nil
}

// Close performs any necessary cleanup.
func (fsm *StateMachine) Close() error {
	return nil
}

func (fsm *StateMachine) sortedRecords() []consistency.Record {
	recs := make([]consistency.Record, 0, len(fsm.records))
	for _, rec := range fsm.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Key.GroupID != recs[j].Key.GroupID {
			return recs[i].Key.GroupID < recs[j].Key.GroupID
		}
		return recs[i].Key.NodeID < recs[j].Key.NodeID
	})
	return recs
}
