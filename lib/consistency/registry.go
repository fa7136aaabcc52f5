package consistency

import (
	"errors"
	"fmt"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"sort"
	"sync"
	"time"
)

var Logger = logger.GetLogger("consistency")

// ErrInvalidTransition is returned for transitions the state rules forbid
var ErrInvalidTransition = errors.New("invalid consistency state transition")

// Registry holds the consistency state of every known target. Reads are lock
// free; state changes are serialized so every transition is persisted and
// published exactly once.
type Registry struct {
	records   *xsync.MapOf[TargetKey, Record]
	persister IPersister

	mu   sync.Mutex // serializes state changes and their persistence
	subs []func(Transition)
}

// NewRegistry creates a registry and loads the records stored by persister.
// A nil persister keeps the states in memory only.
func NewRegistry(persister IPersister) (*Registry, error) {
	if persister == nil {
		persister = NewMemoryPersister()
	}
	r := &Registry{
		records:   xsync.NewMapOf[TargetKey, Record](),
		persister: persister,
	}

	recs, err := persister.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load consistency states: %w", err)
	}
	for _, rec := range recs {
		r.records.Store(rec.Key, rec)
	}
	Logger.Infof("Loaded %d consistency states", len(recs))
	return r, nil
}

// Subscribe registers fn to be called after every persisted transition.
// fn is called synchronously and must not block.
func (r *Registry) Subscribe(fn func(Transition)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// Get returns the record of key. Unknown targets are GOOD.
func (r *Registry) Get(key TargetKey) Record {
	if rec, ok := r.records.Load(key); ok {
		return rec
	}
	return Record{Key: key, State: StateGood}
}

// State returns the state of key
func (r *Registry) State(key TargetKey) State {
	return r.Get(key).State
}

// Snapshot returns all records ordered by group and node
func (r *Registry) Snapshot() []Record {
	var recs []Record
	r.records.Range(func(_ TargetKey, rec Record) bool {
		recs = append(recs, rec)
		return true
	})
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Key.GroupID != recs[j].Key.GroupID {
			return recs[i].Key.GroupID < recs[j].Key.GroupID
		}
		return recs[i].Key.NodeID < recs[j].Key.NodeID
	})
	return recs
}

// Transition moves key to state to. It returns changed=false if key already
// is in that state. NEEDS_RESYNC -> GOOD is only possible through
// CompleteResync, any other forbidden change fails with ErrInvalidTransition.
func (r *Registry) Transition(key TargetKey, to State) (bool, error) {
	return r.change(key, func(from State) (State, error) {
		if from != to && !allowed(from, to) {
			return from, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, key, from, to)
		}
		return to, nil
	}, nil, false)
}

// Degrade marks a GOOD target NEEDS_RESYNC. Targets in any other state are
// left as they are, so a BAD target is not downgraded by a failed forward.
func (r *Registry) Degrade(key TargetKey) (bool, error) {
	return r.change(key, func(from State) (State, error) {
		if from == StateGood {
			return StateNeedsResync, nil
		}
		return from, nil
	}, nil, false)
}

// CompleteResync marks key GOOD after a successful resync job
func (r *Registry) CompleteResync(key TargetKey) (bool, error) {
	return r.change(key, func(from State) (State, error) {
		if from == StateBad {
			return from, fmt.Errorf("%w: %s is bad, restart the resync first", ErrInvalidTransition, key)
		}
		return StateGood, nil
	}, nil, false)
}

// Override sets the state of key without checking the transition rules.
// It is used for operator requests.
func (r *Registry) Override(key TargetKey, to State) (bool, error) {
	Logger.Warningf("Overriding consistency state of %s to %s", key, to)
	return r.change(key, func(State) (State, error) { return to, nil }, nil, false)
}

// SetLastComm replaces the last known good communication timestamp of key
// and marks it NEEDS_RESYNC unless it is BAD
func (r *Registry) SetLastComm(key TargetKey, ts time.Time) (bool, error) {
	return r.change(key, func(from State) (State, error) {
		if from == StateBad {
			return from, nil
		}
		return StateNeedsResync, nil
	}, func(rec *Record) { rec.LastComm = ts }, false)
}

// Apply stores records reported by another node. Reported states follow the
// same rules as Transition, except that the reporter may also finish a
// resync (NEEDS_RESYNC -> GOOD). Forbidden changes, e.g. BAD -> GOOD, are
// skipped and leave the record untouched. Apply returns the number of
// skipped records.
func (r *Registry) Apply(recs []Record) int {
	skipped := 0
	for _, rec := range recs {
		rec := rec
		_, err := r.change(rec.Key, func(from State) (State, error) {
			if from != rec.State && !allowedRemote(from, rec.State) {
				return from, fmt.Errorf("%w: reported %s %s -> %s", ErrInvalidTransition, rec.Key, from, rec.State)
			}
			return rec.State, nil
		}, func(cur *Record) {
			cur.LastComm = rec.LastComm
		}, true)
		if errors.Is(err, ErrInvalidTransition) {
			skipped++
			Logger.Warningf("Skipping reported state: %v", err)
		} else if err != nil {
			Logger.Errorf("Failed to apply reported state of %s: %v", rec.Key, err)
		}
	}
	return skipped
}

// TouchLastComm records a successful communication with key. The timestamp
// is kept in memory and persisted with the next state change.
func (r *Registry) TouchLastComm(key TargetKey, ts time.Time) {
	r.records.Compute(key, func(old Record, loaded bool) (Record, bool) {
		if !loaded {
			old = Record{Key: key, State: StateGood}
		}
		if ts.After(old.LastComm) {
			old.LastComm = ts
		}
		return old, false
	})
}

// Close closes the persister
func (r *Registry) Close() error {
	return r.persister.Close()
}

// change applies next (and update) to the record of key, persists it and
// notifies the subscribers if the state changed
func (r *Registry) change(key TargetKey, next func(from State) (State, error), update func(rec *Record), remote bool) (bool, error) {
	r.mu.Lock()

	var tr Transition
	var nextErr error
	var dirty bool
	rec, _ := r.records.Compute(key, func(old Record, loaded bool) (Record, bool) {
		if !loaded {
			old = Record{Key: key, State: StateGood}
		}
		to, err := next(old.State)
		if err != nil {
			nextErr = err
			return old, false
		}
		tr = Transition{Key: key, From: old.State, To: to, Remote: remote}
		prevComm := old.LastComm
		old.State = to
		if update != nil {
			update(&old)
		}
		dirty = tr.From != tr.To || !old.LastComm.Equal(prevComm) || !loaded
		return old, false
	})
	if nextErr != nil {
		r.mu.Unlock()
		return false, nextErr
	}

	var err error
	if dirty {
		if err = r.persister.Save(rec); err != nil {
			Logger.Errorf("Failed to persist consistency state of %s: %v", key, err)
		}
	}

	changed := tr.From != tr.To
	var subs []func(Transition)
	if changed {
		subs = append(subs, r.subs...)
		metrics.GetOrCreateCounter(fmt.Sprintf(`bmirror_state_transitions_total{to=%q}`, tr.To.String())).Inc()
		Logger.Infof("Consistency state of %s changed from %s to %s", key, tr.From, tr.To)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(tr)
	}
	return changed, err
}
