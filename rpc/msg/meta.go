package msg

func init() {
	mirrored := FeatSequenceNumber | FeatMirror
	register(MsgTMkDir, "MkDir", mirrored, func() Message { return &MkDir{} })
	register(MsgTMkDirResp, "MkDirResp", 0, func() Message { return &MkDirResp{} })
	register(MsgTRmDir, "RmDir", mirrored, func() Message { return &RmDir{} })
	register(MsgTRmDirResp, "RmDirResp", 0, func() Message { return &RmDirResp{} })
	register(MsgTSetAttr, "SetAttr", mirrored, func() Message { return &SetAttr{} })
	register(MsgTSetAttrResp, "SetAttrResp", 0, func() Message { return &SetAttrResp{} })
	register(MsgTStat, "Stat", 0, func() Message { return &Stat{} })
	register(MsgTStatResp, "StatResp", 0, func() Message { return &StatResp{} })
}

// Payload flags of the metadata operations
const (
	flagMkDirHasEntryID Flags = 1 << 16
	flagMkDirHasTimes   Flags = 1 << 17
	flagSetAttrHasTimes Flags = 1 << 16
	flagRmDirHasTimes   Flags = 1 << 16
)

// Entry types
const (
	EntryTypeDir  uint8 = 1
	EntryTypeFile uint8 = 2
)

// SetAttr valid bits
const (
	AttrMode  uint32 = 1 << 0
	AttrOwner uint32 = 1 << 1
	AttrMtime uint32 = 1 << 2
)

// --------------------------------------------------------------------------
// Shared payload structs
// --------------------------------------------------------------------------

// Timestamps are unix nanoseconds, computed once on the primary so the
// secondary applies the identical mutation.
type Timestamps struct {
	Ctime int64
	Mtime int64
	Atime int64
}

func (t *Timestamps) Fields(c Codec) {
	c.Int64(&t.Ctime)
	c.Int64(&t.Mtime)
	c.Int64(&t.Atime)
}

// EntryInfo is the complete description of a namespace entry
type EntryInfo struct {
	ID       string
	ParentID string
	Name     string
	Type     uint8
	Mode     uint32
	UID      uint32
	GID      uint32
	Times    Timestamps
	Mirrored bool
}

func (e *EntryInfo) Fields(c Codec) {
	c.String(&e.ID)
	c.String(&e.ParentID)
	c.String(&e.Name)
	c.Uint8(&e.Type)
	c.Uint32(&e.Mode)
	c.Uint32(&e.UID)
	c.Uint32(&e.GID)
	e.Times.Fields(c)
	c.Bool(&e.Mirrored)
}

// optionalTimes declares a Timestamps section guarded by flag
func optionalTimes(c Codec, t **Timestamps, flag Flags) {
	if !c.Flags().Has(flag) {
		return
	}
	if c.Decoding() {
		*t = &Timestamps{}
	}
	(*t).Fields(c)
}

// --------------------------------------------------------------------------
// MkDir
// --------------------------------------------------------------------------

// MkDir creates a directory below ParentID. EntryID and Times are empty in a
// client request and filled in by the primary before forwarding.
type MkDir struct {
	Base
	Mirror
	ParentID string
	Name     string
	Mode     uint32
	UID      uint32
	GID      uint32
	NoMirror bool // create the directory unmirrored even if the parent is mirrored

	EntryID string      // optional section
	Times   *Timestamps // optional section, always after EntryID
}

func (m *MkDir) Type() MsgType { return MsgTMkDir }

func (m *MkDir) payloadFlags() Flags {
	var f Flags
	if m.EntryID != "" {
		f |= flagMkDirHasEntryID
	}
	if m.Times != nil {
		f |= flagMkDirHasTimes
	}
	return f
}

func (m *MkDir) Fields(c Codec) {
	c.Uint32(&m.RequestorID)
	c.String(&m.ParentID)
	c.String(&m.Name)
	c.Uint32(&m.Mode)
	c.Uint32(&m.UID)
	c.Uint32(&m.GID)
	c.Bool(&m.NoMirror)
	if c.Flags().Has(flagMkDirHasEntryID) {
		c.String(&m.EntryID)
		// the flag is derived from a non-empty id when encoding
		if c.Decoding() && c.Err() == nil && m.EntryID == "" {
			c.invalid("MkDir flags an entry id but carries an empty one")
		}
	}
	optionalTimes(c, &m.Times, flagMkDirHasTimes)
}

type MkDirResp struct {
	Base
	Result  Result
	EntryID string
}

func (m *MkDirResp) Type() MsgType { return MsgTMkDirResp }

func (m *MkDirResp) Fields(c Codec) {
	declareResult(c, &m.Result)
	c.String(&m.EntryID)
}

// --------------------------------------------------------------------------
// RmDir
// --------------------------------------------------------------------------

// RmDir removes the empty directory Name below ParentID. Times carries the
// parent's new modification time and is only present in forwarded copies.
type RmDir struct {
	Base
	Mirror
	ParentID string
	Name     string

	Times *Timestamps // optional section
}

func (m *RmDir) Type() MsgType { return MsgTRmDir }

func (m *RmDir) payloadFlags() Flags {
	if m.Times != nil {
		return flagRmDirHasTimes
	}
	return 0
}

func (m *RmDir) Fields(c Codec) {
	c.Uint32(&m.RequestorID)
	c.String(&m.ParentID)
	c.String(&m.Name)
	optionalTimes(c, &m.Times, flagRmDirHasTimes)
}

type RmDirResp struct {
	Base
	Result Result
}

func (m *RmDirResp) Type() MsgType { return MsgTRmDirResp }

func (m *RmDirResp) Fields(c Codec) {
	declareResult(c, &m.Result)
}

// --------------------------------------------------------------------------
// SetAttr
// --------------------------------------------------------------------------

// SetAttr changes the attributes selected by Valid. Times carries the ctime
// computed on the primary and is only present in forwarded copies.
type SetAttr struct {
	Base
	Mirror
	EntryID string
	Valid   uint32
	Mode    uint32
	UID     uint32
	GID     uint32
	Mtime   int64

	Times *Timestamps // optional section
}

func (m *SetAttr) Type() MsgType { return MsgTSetAttr }

func (m *SetAttr) payloadFlags() Flags {
	if m.Times != nil {
		return flagSetAttrHasTimes
	}
	return 0
}

func (m *SetAttr) Fields(c Codec) {
	c.Uint32(&m.RequestorID)
	c.String(&m.EntryID)
	c.Uint32(&m.Valid)
	c.Uint32(&m.Mode)
	c.Uint32(&m.UID)
	c.Uint32(&m.GID)
	c.Int64(&m.Mtime)
	optionalTimes(c, &m.Times, flagSetAttrHasTimes)
}

type SetAttrResp struct {
	Base
	Result Result
}

func (m *SetAttrResp) Type() MsgType { return MsgTSetAttrResp }

func (m *SetAttrResp) Fields(c Codec) {
	declareResult(c, &m.Result)
}

// --------------------------------------------------------------------------
// Stat
// --------------------------------------------------------------------------

type Stat struct {
	Base
	EntryID string
}

func (m *Stat) Type() MsgType { return MsgTStat }

func (m *Stat) Fields(c Codec) {
	c.String(&m.EntryID)
}

type StatResp struct {
	Base
	Result Result
	Entry  EntryInfo
}

func (m *StatResp) Type() MsgType { return MsgTStatResp }

func (m *StatResp) Fields(c Codec) {
	declareResult(c, &m.Result)
	m.Entry.Fields(c)
}
