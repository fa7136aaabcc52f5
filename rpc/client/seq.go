package client

import (
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"sync"
)

// seqTracker assigns sequence numbers for mirrored requests to one node.
//
// A node announces a base with NEWSEQNOBASE; numbers are handed out starting
// at the base. seqDone tells the node the highest number below which all
// requests have finished so it can drop their cached responses.
type seqTracker struct {
	mu          sync.Mutex
	base        uint64 // 0 while unknown
	next        uint64
	outstanding map[uint64]struct{}
}

func newSeqTracker() *seqTracker {
	return &seqTracker{outstanding: make(map[uint64]struct{})}
}

// assign writes the next sequence number into h. Without a known base the
// request carries seq 0, which makes the node answer with NEWSEQNOBASE.
func (s *seqTracker) assign(h *msg.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.base == 0 {
		h.SetSequence(0, 0)
		return
	}
	seq := s.next
	s.next++
	s.outstanding[seq] = struct{}{}
	h.SetSequence(seq, s.doneLocked())
}

// doneLocked returns the highest seq with all lower numbers finished
func (s *seqTracker) doneLocked() uint64 {
	done := s.next - 1
	for seq := range s.outstanding {
		if seq-1 < done {
			done = seq - 1
		}
	}
	return done
}

// adopt switches to a new base announced by the node. Concurrent requests
// that receive the same base only switch once.
func (s *seqTracker) adopt(base uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if base == s.base {
		return
	}
	s.base = base
	s.next = base
	clear(s.outstanding)
}

// finish marks seq as completed
func (s *seqTracker) finish(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outstanding, seq)
}

// reset forgets the base, the next request fetches a new one
func (s *seqTracker) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = 0
	s.next = 0
	clear(s.outstanding)
}
