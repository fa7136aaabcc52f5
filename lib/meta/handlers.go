package meta

import (
	"context"
	"github.com/ThinkParQ/beegfs-sub020/lib/lockstore"
	"github.com/ThinkParQ/beegfs-sub020/lib/mirror"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"time"
)

// Service implements the metadata operations on top of a Namespace
type Service struct {
	ns    *Namespace
	locks lockstore.ILockStore
	now   func() time.Time
	sync  *syncTarget

	// directory ids locked by RmDir between Locks and ExecuteLocally
	rmDirIDs *xsync.MapOf[*msg.RmDir, string]
}

// NewService creates the metadata service of a node
func NewService(ns *Namespace, locks lockstore.ILockStore) *Service {
	return &Service{
		ns:       ns,
		locks:    locks,
		now:      time.Now,
		sync:     newSyncTarget(),
		rmDirIDs: xsync.NewMapOf[*msg.RmDir, string](),
	}
}

// Namespace returns the namespace served by s
func (s *Service) Namespace() *Namespace {
	return s.ns
}

// --------------------------------------------------------------------------
// Response state
// --------------------------------------------------------------------------

// state is the mirror.ResponseState of all metadata operations
type state struct {
	result  msg.Result
	changed bool
	client  msg.Message
	retry   string // answer TRYAGAIN with this message instead
}

func (s *state) Result() msg.Result { return s.result }

func (s *state) ChangesObservableState() bool { return s.changed }

func (s *state) ClientResponse() msg.Message {
	if s.retry != "" {
		return msg.NewGenericResponse(msg.CtrlTryAgain, s.retry)
	}
	return s.client
}

func (s *state) SecondaryResponse() msg.Message {
	if s.retry != "" {
		return msg.NewGenericResponse(msg.CtrlTryAgain, s.retry)
	}
	return &msg.MirrorResp{Result: s.result}
}

// tryAgain is the state of an operation that found its entry changed while
// it waited for the locks
func tryAgain(reason string) *state {
	return &state{result: msg.ResultAgain, retry: reason}
}

func secondaryResult(resp msg.Message) msg.Result {
	if r, ok := resp.(*msg.MirrorResp); ok {
		return r.Result
	}
	return msg.ResultInternal
}

// --------------------------------------------------------------------------
// MkDir
// --------------------------------------------------------------------------

type mkDirHandler struct{ *Service }

// MkDir returns the mirrored MkDir operation
func (s *Service) MkDir() mirror.Handler[*msg.MkDir] {
	return mkDirHandler{s}
}

func (h mkDirHandler) IsMirrored(req *msg.MkDir) bool {
	parent, ok := h.ns.Get(req.ParentID)
	return ok && parent.Mirrored
}

func (h mkDirHandler) Locks(req *msg.MkDir) []lockstore.Request {
	return []lockstore.Request{
		lockstore.Exclusive(lockstore.DirKey(req.ParentID)),
		lockstore.Exclusive(lockstore.NameKey(req.ParentID, req.Name)),
	}
}

func (h mkDirHandler) ExecuteLocally(_ context.Context, req *msg.MkDir, isSecondary bool) mirror.ResponseState {
	if req.Name == "" {
		return &state{result: msg.ResultInvalidArgument, client: &msg.MkDirResp{Result: msg.ResultInvalidArgument}}
	}

	if isSecondary {
		if req.EntryID == "" || req.Times == nil {
			Logger.Errorf("Forwarded MkDir %s/%s lacks the entry id or timestamps", req.ParentID, req.Name)
			return &state{result: msg.ResultInvalidArgument}
		}
	} else {
		// computed once, the forwarded copy carries them to the secondary
		now := h.now().UnixNano()
		req.EntryID = uuid.NewString()
		req.Times = &msg.Timestamps{Ctime: now, Mtime: now, Atime: now}
	}

	parent, _ := h.ns.Get(req.ParentID)
	e := msg.EntryInfo{
		ID:       req.EntryID,
		ParentID: req.ParentID,
		Name:     req.Name,
		Type:     msg.EntryTypeDir,
		Mode:     req.Mode,
		UID:      req.UID,
		GID:      req.GID,
		Times:    *req.Times,
		Mirrored: parent.Mirrored && !req.NoMirror,
	}

	result := h.ns.Create(e, isSecondary)
	if result != msg.ResultSuccess {
		Logger.Debugf("MkDir %s/%s failed: %s", req.ParentID, req.Name, result)
		return &state{result: result, client: &msg.MkDirResp{Result: result}}
	}
	if isSecondary {
		h.sync.note(req.EntryID)
	}
	return &state{
		result:  result,
		changed: true,
		client:  &msg.MkDirResp{Result: result, EntryID: req.EntryID},
	}
}

func (h mkDirHandler) ForwardMessage(req *msg.MkDir) msg.MirroredMessage {
	times := *req.Times
	return &msg.MkDir{
		ParentID: req.ParentID,
		Name:     req.Name,
		Mode:     req.Mode,
		UID:      req.UID,
		GID:      req.GID,
		NoMirror: req.NoMirror,
		EntryID:  req.EntryID,
		Times:    &times,
	}
}

func (h mkDirHandler) ProcessSecondaryResponse(resp msg.Message) msg.Result {
	return secondaryResult(resp)
}

// --------------------------------------------------------------------------
// RmDir
// --------------------------------------------------------------------------

type rmDirHandler struct{ *Service }

// RmDir returns the mirrored RmDir operation
func (s *Service) RmDir() mirror.Handler[*msg.RmDir] {
	return rmDirHandler{s}
}

func (h rmDirHandler) IsMirrored(req *msg.RmDir) bool {
	parent, ok := h.ns.Get(req.ParentID)
	return ok && parent.Mirrored
}

func (h rmDirHandler) Locks(req *msg.RmDir) []lockstore.Request {
	reqs := []lockstore.Request{
		lockstore.Exclusive(lockstore.DirKey(req.ParentID)),
		lockstore.Exclusive(lockstore.NameKey(req.ParentID, req.Name)),
	}
	// the directory itself, so no entry is created inside while it is removed.
	// The id is looked up before the locks are held, ExecuteLocally checks it.
	var id string
	if e, ok := h.ns.Lookup(req.ParentID, req.Name); ok {
		id = e.ID
		reqs = append(reqs, lockstore.Exclusive(lockstore.DirKey(id)))
	}
	h.rmDirIDs.Store(req, id)
	return reqs
}

func (h rmDirHandler) ExecuteLocally(_ context.Context, req *msg.RmDir, isSecondary bool) mirror.ResponseState {
	locked, _ := h.rmDirIDs.LoadAndDelete(req)
	if e, ok := h.ns.Lookup(req.ParentID, req.Name); ok && e.ID != locked {
		Logger.Debugf("RmDir %s/%s: entry changed from %q to %q while locking", req.ParentID, req.Name, locked, e.ID)
		return tryAgain("entry changed while locking")
	}

	ts := h.now().UnixNano()
	if isSecondary && req.Times != nil {
		ts = req.Times.Mtime
	} else if !isSecondary {
		req.Times = &msg.Timestamps{Ctime: ts, Mtime: ts}
	}

	result := h.ns.Remove(req.ParentID, req.Name, ts, isSecondary)
	if result != msg.ResultSuccess {
		Logger.Debugf("RmDir %s/%s failed: %s", req.ParentID, req.Name, result)
	}
	return &state{
		result:  result,
		changed: result == msg.ResultSuccess,
		client:  &msg.RmDirResp{Result: result},
	}
}

func (h rmDirHandler) ForwardMessage(req *msg.RmDir) msg.MirroredMessage {
	times := *req.Times
	return &msg.RmDir{ParentID: req.ParentID, Name: req.Name, Times: &times}
}

func (h rmDirHandler) ProcessSecondaryResponse(resp msg.Message) msg.Result {
	return secondaryResult(resp)
}

// --------------------------------------------------------------------------
// SetAttr
// --------------------------------------------------------------------------

type setAttrHandler struct{ *Service }

// SetAttr returns the mirrored SetAttr operation
func (s *Service) SetAttr() mirror.Handler[*msg.SetAttr] {
	return setAttrHandler{s}
}

func (h setAttrHandler) IsMirrored(req *msg.SetAttr) bool {
	e, ok := h.ns.Get(req.EntryID)
	return ok && e.Mirrored
}

func (h setAttrHandler) Locks(req *msg.SetAttr) []lockstore.Request {
	return []lockstore.Request{lockstore.Exclusive(lockstore.DirKey(req.EntryID))}
}

func (h setAttrHandler) ExecuteLocally(_ context.Context, req *msg.SetAttr, isSecondary bool) mirror.ResponseState {
	if _, ok := h.ns.Get(req.EntryID); !ok {
		return &state{result: msg.ResultNotFound, client: &msg.SetAttrResp{Result: msg.ResultNotFound}}
	}

	// nothing selected, the entry stays as it is
	if req.Valid == 0 {
		return &state{result: msg.ResultSuccess, client: &msg.SetAttrResp{Result: msg.ResultSuccess}}
	}

	if !isSecondary || req.Times == nil {
		now := h.now().UnixNano()
		req.Times = &msg.Timestamps{Ctime: now, Mtime: req.Mtime}
	}

	result := h.ns.SetAttrs(req.EntryID, Attrs{
		Valid: req.Valid,
		Mode:  req.Mode,
		UID:   req.UID,
		GID:   req.GID,
		Mtime: req.Mtime,
		Ctime: req.Times.Ctime,
	})
	return &state{
		result:  result,
		changed: result == msg.ResultSuccess,
		client:  &msg.SetAttrResp{Result: result},
	}
}

func (h setAttrHandler) ForwardMessage(req *msg.SetAttr) msg.MirroredMessage {
	times := *req.Times
	return &msg.SetAttr{
		EntryID: req.EntryID,
		Valid:   req.Valid,
		Mode:    req.Mode,
		UID:     req.UID,
		GID:     req.GID,
		Mtime:   req.Mtime,
		Times:   &times,
	}
}

func (h setAttrHandler) ProcessSecondaryResponse(resp msg.Message) msg.Result {
	return secondaryResult(resp)
}

// --------------------------------------------------------------------------
// Stat
// --------------------------------------------------------------------------

// HandleStat answers Stat requests. Stat is a local read and never mirrored.
func (s *Service) HandleStat(_ context.Context, r *transport.Request) {
	req, ok := r.Msg.(*msg.Stat)
	if !ok {
		return
	}

	g := s.locks.Lock(lockstore.DirKey(req.EntryID), false)
	e, found := s.ns.Get(req.EntryID)
	g.Release()

	resp := &msg.StatResp{Result: msg.ResultSuccess, Entry: e}
	if !found {
		resp.Result = msg.ResultNotFound
	}
	if err := r.Reply(resp); err != nil {
		Logger.Warningf("Failed to answer Stat from %s: %v", r.Peer, err)
	}
}
