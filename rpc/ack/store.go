package ack

import (
	"fmt"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"sync/atomic"
)

var Logger = logger.GetLogger("ack")

// Store tracks outstanding acknowledgements of one sender. Every entry is
// removed either when its ack arrives (Resolve) or when the sender gives up
// (Remove).
type Store struct {
	prefix  string
	counter atomic.Uint64
	waits   *xsync.MapOf[string, chan struct{}]
}

// NewStore creates an empty store with a random id prefix
func NewStore() *Store {
	return &Store{
		prefix: uuid.NewString()[:8],
		waits:  xsync.NewMapOf[string, chan struct{}](),
	}
}

// NextID returns a new ack-ID. IDs are unique per store and never reused.
func (s *Store) NextID() string {
	return fmt.Sprintf("%s-%d", s.prefix, s.counter.Add(1))
}

// Register adds a wait entry. The returned channel is closed when the ack arrives.
func (s *Store) Register(id string) <-chan struct{} {
	ch := make(chan struct{})
	s.waits.Store(id, ch)
	return ch
}

// Resolve completes the wait entry of id. It returns false if no entry
// exists, e.g. because the ack arrived after the sender gave up or twice.
func (s *Store) Resolve(id string) bool {
	ch, ok := s.waits.LoadAndDelete(id)
	if !ok {
		return false
	}
	close(ch)
	return true
}

// Remove drops the wait entry of id
func (s *Store) Remove(id string) {
	s.waits.Delete(id)
}

// Len returns the number of outstanding acknowledgements
func (s *Store) Len() int {
	return s.waits.Size()
}
