package lockstore

import (
	"github.com/puzpuzpuz/xsync/v3"
	"slices"
	"sync"
)

// entry is the lock of one key. refs counts holders and waiters and is only
// modified inside entries.Compute.
type entry struct {
	mu   sync.RWMutex
	refs int
}

type lockStoreImpl struct {
	entries *xsync.MapOf[Key, *entry]
}

// NewLockStore creates an empty lock store
func NewLockStore() ILockStore {
	return &lockStoreImpl{
		entries: xsync.NewMapOf[Key, *entry](),
	}
}

func (s *lockStoreImpl) Lock(key Key, exclusive bool) *Guard {
	e, _ := s.entries.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			old = &entry{}
		}
		old.refs++
		return old, false
	})

	if exclusive {
		e.mu.Lock()
	} else {
		e.mu.RLock()
	}
	return &Guard{store: s, key: key, exclusive: exclusive, e: e}
}

func (s *lockStoreImpl) LockAll(reqs ...Request) *MultiGuard {
	reqs = normalize(reqs)
	g := &MultiGuard{guards: make([]*Guard, 0, len(reqs))}
	for _, r := range reqs {
		g.guards = append(g.guards, s.Lock(r.Key, r.Exclusive))
	}
	return g
}

func (s *lockStoreImpl) Len() int {
	return s.entries.Size()
}

func (s *lockStoreImpl) Keys() []Key {
	var keys []Key
	s.entries.Range(func(k Key, _ *entry) bool {
		keys = append(keys, k)
		return true
	})
	slices.SortFunc(keys, Key.Compare)
	return keys
}

// deref drops one reference and removes the entry when it was the last
func (s *lockStoreImpl) deref(key Key) {
	s.entries.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			return nil, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

// --------------------------------------------------------------------------
// Guards
// --------------------------------------------------------------------------

// Guard is a held lock
type Guard struct {
	store     *lockStoreImpl
	key       Key
	exclusive bool
	e         *entry
	once      sync.Once
}

// Key returns the locked key
func (g *Guard) Key() Key {
	return g.key
}

// Release unlocks the key. Calling it more than once has no effect.
func (g *Guard) Release() {
	g.once.Do(func() {
		if g.exclusive {
			g.e.mu.Unlock()
		} else {
			g.e.mu.RUnlock()
		}
		g.store.deref(g.key)
	})
}

// MultiGuard holds the locks acquired by LockAll
type MultiGuard struct {
	guards []*Guard
}

// Keys returns the locked keys in acquisition order
func (m *MultiGuard) Keys() []Key {
	keys := make([]Key, len(m.guards))
	for i, g := range m.guards {
		keys[i] = g.key
	}
	return keys
}

// Release unlocks all keys in reverse acquisition order. Calling it more than
// once has no effect.
func (m *MultiGuard) Release() {
	for i := len(m.guards) - 1; i >= 0; i-- {
		m.guards[i].Release()
	}
}
