package meta

import (
	"context"
	"github.com/ThinkParQ/beegfs-sub020/lib/lockstore"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
	"sync"
)

// syncTarget is the secondary side of a resync job. Entries received during
// the job are recorded; when the job finishes every other entry is removed.
type syncTarget struct {
	mu      sync.Mutex
	jobID   string
	touched *xsync.MapOf[string, struct{}]
}

func newSyncTarget() *syncTarget {
	return &syncTarget{touched: xsync.NewMapOf[string, struct{}]()}
}

// begin starts job id, replacing an unfinished job
func (t *syncTarget) begin(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.jobID != "" && t.jobID != id {
		Logger.Warningf("Resync job %s replaces unfinished job %s", id, t.jobID)
	}
	t.jobID = id
	t.touched = xsync.NewMapOf[string, struct{}]()
}

// current returns the touched set of job id, nil if id is not the running job
func (t *syncTarget) current(id string) *xsync.MapOf[string, struct{}] {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == "" || t.jobID != id {
		return nil
	}
	return t.touched
}

// note records id as received by the running job, if any. Entries created
// by forwarded operations during a job must survive its prune.
func (t *syncTarget) note(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.jobID != "" {
		t.touched.Store(id, struct{}{})
	}
}

// finish ends job id and returns its touched set
func (t *syncTarget) finish(id string) *xsync.MapOf[string, struct{}] {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == "" || t.jobID != id {
		return nil
	}
	touched := t.touched
	t.jobID = ""
	t.touched = xsync.NewMapOf[string, struct{}]()
	return touched
}

// --------------------------------------------------------------------------
// Secondary handlers
// --------------------------------------------------------------------------

func (s *Service) replyResync(r *transport.Request, result msg.Result, count uint64) {
	if err := r.Reply(&msg.ResyncResp{Result: result, Count: count}); err != nil {
		Logger.Warningf("Failed to answer %s from %s: %v", r.Msg.Type(), r.Peer, err)
	}
}

// HandleResyncBegin opens a resync job on this node
func (s *Service) HandleResyncBegin(_ context.Context, r *transport.Request) {
	req := r.Msg.(*msg.ResyncBegin)
	if req.JobID == "" {
		s.replyResync(r, msg.ResultInvalidArgument, 0)
		return
	}
	s.sync.begin(req.JobID)
	Logger.Infof("Resync job %s of group %d started by %s", req.JobID, req.GroupID, r.Peer)
	s.replyResync(r, msg.ResultSuccess, 0)
}

// HandleResyncEntry stores one entry sent by the primary
func (s *Service) HandleResyncEntry(_ context.Context, r *transport.Request) {
	req := r.Msg.(*msg.ResyncEntry)
	touched := s.sync.current(req.JobID)
	if touched == nil {
		s.replyResync(r, msg.ResultInvalidArgument, 0)
		return
	}
	if req.Entry.ID == "" || (req.Entry.ID != RootID && req.Entry.ParentID == "") {
		s.replyResync(r, msg.ResultInvalidArgument, 0)
		return
	}

	g := s.locks.LockAll(
		lockstore.Exclusive(lockstore.DirKey(req.Entry.ID)),
		lockstore.Exclusive(lockstore.NameKey(req.Entry.ParentID, req.Entry.Name)),
	)
	s.ns.Put(req.Entry)
	g.Release()

	touched.Store(req.Entry.ID, struct{}{})
	s.replyResync(r, msg.ResultSuccess, 0)
}

// HandleResyncFinish closes a job and removes the entries it did not send
func (s *Service) HandleResyncFinish(_ context.Context, r *transport.Request) {
	req := r.Msg.(*msg.ResyncFinish)
	touched := s.sync.finish(req.JobID)
	if touched == nil {
		s.replyResync(r, msg.ResultInvalidArgument, 0)
		return
	}

	pruned := s.ns.Prune(func(id string) bool {
		_, ok := touched.Load(id)
		return ok
	})
	Logger.Infof("Resync job %s finished: %d entries received, %d removed", req.JobID, touched.Size(), pruned)
	s.replyResync(r, msg.ResultSuccess, uint64(pruned))
}

// --------------------------------------------------------------------------
// Primary side source
// --------------------------------------------------------------------------

// EntryIDs returns the ids of all entries, parents first
func (s *Service) EntryIDs() []string {
	return s.ns.IDs()
}

// Entry returns the entry id. ok is false if it was removed meanwhile.
func (s *Service) Entry(id string) (msg.EntryInfo, bool, error) {
	e, ok := s.ns.Get(id)
	return e, ok, nil
}

// EntryLocks returns the locks held while entry id is sent to the secondary
func (s *Service) EntryLocks(id string) []lockstore.Request {
	return []lockstore.Request{lockstore.Shared(lockstore.DirKey(id))}
}
