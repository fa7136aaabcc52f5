package msg

func init() {
	register(MsgTStartResync, "StartResync", 0, func() Message { return &StartResync{} })
	register(MsgTStartResyncResp, "StartResyncResp", 0, func() Message { return &StartResyncResp{} })
	register(MsgTAbortResync, "AbortResync", 0, func() Message { return &AbortResync{} })
	register(MsgTAbortResyncResp, "AbortResyncResp", 0, func() Message { return &AbortResyncResp{} })
	register(MsgTResyncBegin, "ResyncBegin", 0, func() Message { return &ResyncBegin{} })
	register(MsgTResyncEntry, "ResyncEntry", 0, func() Message { return &ResyncEntry{} })
	register(MsgTResyncFinish, "ResyncFinish", 0, func() Message { return &ResyncFinish{} })
	register(MsgTResyncResp, "ResyncResp", 0, func() Message { return &ResyncResp{} })
}

// --------------------------------------------------------------------------
// Operator requests
// --------------------------------------------------------------------------

// StartResync starts a resync of the secondary of GroupID. With
// OverrideLastComm set, a running job is aborted and LastComm replaces the
// last known good communication timestamp first.
type StartResync struct {
	Base
	GroupID          uint16
	OverrideLastComm bool
	LastComm         int64
}

func (m *StartResync) Type() MsgType { return MsgTStartResync }

func (m *StartResync) Fields(c Codec) {
	c.Uint16(&m.GroupID)
	c.Bool(&m.OverrideLastComm)
	c.Int64(&m.LastComm)
}

type StartResyncResp struct {
	Base
	Result Result
	JobID  string
}

func (m *StartResyncResp) Type() MsgType { return MsgTStartResyncResp }

func (m *StartResyncResp) Fields(c Codec) {
	declareResult(c, &m.Result)
	c.String(&m.JobID)
}

type AbortResync struct {
	Base
	GroupID uint16
}

func (m *AbortResync) Type() MsgType { return MsgTAbortResync }

func (m *AbortResync) Fields(c Codec) {
	c.Uint16(&m.GroupID)
}

type AbortResyncResp struct {
	Base
	Result  Result
	Aborted bool
}

func (m *AbortResyncResp) Type() MsgType { return MsgTAbortResyncResp }

func (m *AbortResyncResp) Fields(c Codec) {
	declareResult(c, &m.Result)
	c.Bool(&m.Aborted)
}

// --------------------------------------------------------------------------
// Primary to secondary resync traffic
// --------------------------------------------------------------------------

// ResyncBegin opens a resync job on the secondary
type ResyncBegin struct {
	Base
	GroupID uint16
	JobID   string
}

func (m *ResyncBegin) Type() MsgType { return MsgTResyncBegin }

func (m *ResyncBegin) Fields(c Codec) {
	c.Uint16(&m.GroupID)
	c.String(&m.JobID)
}

// ResyncEntry upserts one entry on the secondary
type ResyncEntry struct {
	Base
	JobID string
	Entry EntryInfo
}

func (m *ResyncEntry) Type() MsgType { return MsgTResyncEntry }

func (m *ResyncEntry) Fields(c Codec) {
	c.String(&m.JobID)
	m.Entry.Fields(c)
}

// ResyncFinish closes a job; the secondary drops entries the job did not touch
type ResyncFinish struct {
	Base
	JobID string
}

func (m *ResyncFinish) Type() MsgType { return MsgTResyncFinish }

func (m *ResyncFinish) Fields(c Codec) {
	c.String(&m.JobID)
}

// ResyncResp answers all resync traffic. Count is the number of pruned
// entries for ResyncFinish and zero otherwise.
type ResyncResp struct {
	Base
	Result Result
	Count  uint64
}

func (m *ResyncResp) Type() MsgType { return MsgTResyncResp }

func (m *ResyncResp) Fields(c Codec) {
	declareResult(c, &m.Result)
	c.Uint64(&m.Count)
}
