package msg

func init() {
	register(MsgTTargetStatesNotify, "TargetStatesNotify", FeatAckID, func() Message { return &TargetStatesNotify{} })
	register(MsgTGetTargetStates, "GetTargetStates", 0, func() Message { return &GetTargetStates{} })
	register(MsgTGetTargetStatesResp, "GetTargetStatesResp", 0, func() Message { return &GetTargetStatesResp{} })
	register(MsgTSetTargetState, "SetTargetState", 0, func() Message { return &SetTargetState{} })
	register(MsgTSetTargetStateResp, "SetTargetStateResp", 0, func() Message { return &SetTargetStateResp{} })
}

// TargetState is the consistency state of one node within a buddy group
type TargetState struct {
	GroupID  uint16
	NodeID   uint32
	State    uint8
	LastComm int64 // last known good communication, unix nanoseconds
}

func (s *TargetState) Fields(c Codec) {
	c.Uint16(&s.GroupID)
	c.Uint32(&s.NodeID)
	c.Uint8(&s.State)
	c.Int64(&s.LastComm)
}

func declareStates(c Codec, states *[]TargetState) {
	List(c, states, func(c Codec, s *TargetState) { s.Fields(c) })
}

// TargetStatesNotify pushes consistency states to monitors.
// It is sent over datagram and acknowledged.
type TargetStatesNotify struct {
	Base
	ReporterID uint32
	States     []TargetState
}

func (m *TargetStatesNotify) Type() MsgType { return MsgTTargetStatesNotify }

func (m *TargetStatesNotify) Fields(c Codec) {
	c.Uint32(&m.ReporterID)
	declareStates(c, &m.States)
}

type GetTargetStates struct {
	Base
}

func (m *GetTargetStates) Type() MsgType  { return MsgTGetTargetStates }
func (m *GetTargetStates) Fields(_ Codec) {}

type GetTargetStatesResp struct {
	Base
	States []TargetState
}

func (m *GetTargetStatesResp) Type() MsgType { return MsgTGetTargetStatesResp }

func (m *GetTargetStatesResp) Fields(c Codec) {
	declareStates(c, &m.States)
}

// SetTargetState is an operator override of a consistency state
type SetTargetState struct {
	Base
	State TargetState
}

func (m *SetTargetState) Type() MsgType { return MsgTSetTargetState }

func (m *SetTargetState) Fields(c Codec) {
	m.State.Fields(c)
}

type SetTargetStateResp struct {
	Base
	Result Result
}

func (m *SetTargetStateResp) Type() MsgType { return MsgTSetTargetStateResp }

func (m *SetTargetStateResp) Fields(c Codec) {
	declareResult(c, &m.Result)
}
