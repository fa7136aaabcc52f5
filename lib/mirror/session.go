package mirror

import (
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/zhangyunhao116/skipmap"
)

// slot tracks one sequence number of a requestor. resp is set before done is closed.
type slot struct {
	done chan struct{}
	resp msg.Message
}

func (s *slot) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *slot) finish(resp msg.Message) {
	s.resp = resp
	close(s.done)
}

// session holds the sequence slots of one requestor in ascending order
type session struct {
	slots *skipmap.OrderedMap[uint64, *slot]
}

// prune drops finished slots up to and including seqDone
func (s *session) prune(seqDone uint64) {
	s.slots.Range(func(seq uint64, sl *slot) bool {
		if seq > seqDone {
			return false
		}
		if sl.finished() {
			s.slots.Delete(seq)
		}
		return true
	})
}

// sessions maps requestor ids to their sessions. The base is fixed for the
// lifetime of the process; requests with a sequence number below it were
// issued against an earlier incarnation.
type sessions struct {
	base uint64
	m    *xsync.MapOf[uint32, *session]
}

func newSessions(base uint64) *sessions {
	return &sessions{base: base, m: xsync.NewMapOf[uint32, *session]()}
}

func (s *sessions) get(requestor uint32) *session {
	sess, _ := s.m.LoadOrCompute(requestor, func() *session {
		return &session{slots: skipmap.New[uint64, *slot]()}
	})
	return sess
}

// admit checks the sequence number of a request. It returns the slot the
// caller must finish, or a response to send instead of executing the request.
// Requests without sequence number get neither.
func (s *sessions) admit(h *msg.Header, requestor uint32) (*slot, msg.Message) {
	if !h.Flags.Has(msg.FlagHasSequenceNumber) {
		return nil, nil
	}
	secondary := h.IsSecondary()

	if h.Seq == 0 {
		if secondary {
			return nil, nil
		}
		resp := msg.NewGenericResponse(msg.CtrlNewSeqNoBase, "")
		resp.Header().SetSequence(s.base, 0)
		return nil, resp
	}

	// forwarded copies carry the numbers of the primary's session
	if !secondary && h.Seq < s.base {
		return nil, msg.NewGenericResponse(msg.CtrlInvalidSeqNo,
			"sequence number predates the current base")
	}

	sess := s.get(requestor)
	sess.prune(h.SeqDone)

	sl := &slot{done: make(chan struct{})}
	actual, loaded := sess.slots.LoadOrStore(h.Seq, sl)
	if !loaded {
		return sl, nil
	}
	if actual.finished() {
		Logger.Debugf("Resending response for seq %d of requestor %d", h.Seq, requestor)
		return nil, actual.resp
	}
	return nil, msg.NewGenericResponse(msg.CtrlTryAgain, "request still in progress")
}

// drop forgets the unfinished slot of seq. Duplicates that arrived while it
// was running were answered with TRYAGAIN and find no slot on their resend.
func (s *sessions) drop(requestor uint32, seq uint64) {
	if sess, ok := s.m.Load(requestor); ok {
		sess.slots.Delete(seq)
	}
}

// count returns the number of tracked slots of requestor
func (s *sessions) count(requestor uint32) int {
	sess, ok := s.m.Load(requestor)
	if !ok {
		return 0
	}
	return sess.slots.Len()
}
