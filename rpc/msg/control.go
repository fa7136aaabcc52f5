package msg

import (
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
)

func init() {
	register(MsgTGenericResponse, "GenericResponse", FeatSequenceNumber, func() Message { return &GenericResponse{} })
	register(MsgTAck, "Ack", 0, func() Message { return &Ack{} })
	register(MsgTAckNotify, "AckNotify", FeatSequenceNumber|FeatMirror, func() Message { return &AckNotify{} })
	register(MsgTAckNotifyResp, "AckNotifyResp", 0, func() Message { return &AckNotifyResp{} })
	register(MsgTMirrorResp, "MirrorResp", 0, func() Message { return &MirrorResp{} })
}

// --------------------------------------------------------------------------
// Result codes
// --------------------------------------------------------------------------

// Result is the application level outcome of an operation
type Result int32

const (
	ResultSuccess Result = iota
	ResultInternal
	ResultNotFound
	ResultExists
	ResultNotEmpty
	ResultInvalidArgument
	ResultCommunication
	ResultAgain
	ResultNotDir
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultInternal:
		return "Internal"
	case ResultNotFound:
		return "NotFound"
	case ResultExists:
		return "Exists"
	case ResultNotEmpty:
		return "NotEmpty"
	case ResultInvalidArgument:
		return "InvalidArgument"
	case ResultCommunication:
		return "Communication"
	case ResultAgain:
		return "Again"
	case ResultNotDir:
		return "NotDir"
	default:
		return fmt.Sprintf("Result(%d)", int32(r))
	}
}

// Err converts a non-success result into an ApplicationError
func (r Result) Err() error {
	if r == ResultSuccess {
		return nil
	}
	return common.NewError(common.ErrCApplication, "%s", r)
}

func declareResult(c Codec, r *Result) {
	v := uint32(*r)
	c.Uint32(&v)
	if c.Decoding() {
		*r = Result(int32(v))
	}
}

// --------------------------------------------------------------------------
// Generic control response
// --------------------------------------------------------------------------

// ControlCode is carried by GenericResponse
type ControlCode uint32

const (
	// CtrlTryAgain asks the caller to retry after a fixed backoff
	CtrlTryAgain ControlCode = iota
	// CtrlIndirectCommErr reports a failed indirect hop, retry immediately
	CtrlIndirectCommErr
	// CtrlNewSeqNoBase carries a new sequence-number base in the header seq field
	CtrlNewSeqNoBase
	// CtrlInvalidSeqNo rejects a request whose sequence number predates the current base
	CtrlInvalidSeqNo
)

func (c ControlCode) String() string {
	switch c {
	case CtrlTryAgain:
		return "TRYAGAIN"
	case CtrlIndirectCommErr:
		return "INDIRECTCOMMERR"
	case CtrlNewSeqNoBase:
		return "NEWSEQNOBASE"
	case CtrlInvalidSeqNo:
		return "INVALIDSEQNO"
	default:
		return fmt.Sprintf("ControlCode(%d)", uint32(c))
	}
}

// GenericResponse is sent instead of the expected response type when the
// receiver wants the caller to change its behaviour.
type GenericResponse struct {
	Base
	Code    ControlCode
	Message string
}

// NewGenericResponse creates a control response
func NewGenericResponse(code ControlCode, message string) *GenericResponse {
	return &GenericResponse{Code: code, Message: message}
}

func (m *GenericResponse) Type() MsgType { return MsgTGenericResponse }

func (m *GenericResponse) Fields(c Codec) {
	code := uint32(m.Code)
	c.Uint32(&code)
	if c.Decoding() {
		m.Code = ControlCode(code)
	}
	c.String(&m.Message)
}

// --------------------------------------------------------------------------
// Acknowledgements
// --------------------------------------------------------------------------

// Ack confirms the receipt of an acknowledgeable message
type Ack struct {
	Base
	ID string
}

func (m *Ack) Type() MsgType { return MsgTAck }

func (m *Ack) Fields(c Codec) {
	c.String(&m.ID)
}

// AckNotify is forwarded to the secondary instead of the full request when
// the primary's execution did not change observable state. It lets the
// secondary release the sequence-number slot of the request.
type AckNotify struct {
	Base
	Mirror
}

func (m *AckNotify) Type() MsgType { return MsgTAckNotify }

func (m *AckNotify) Fields(c Codec) {
	c.Uint32(&m.RequestorID)
}

type AckNotifyResp struct {
	Base
	Result Result
}

func (m *AckNotifyResp) Type() MsgType { return MsgTAckNotifyResp }

func (m *AckNotifyResp) Fields(c Codec) {
	declareResult(c, &m.Result)
}

// MirrorResp is the minimal response of a secondary to a forwarded request
type MirrorResp struct {
	Base
	Result Result
}

func (m *MirrorResp) Type() MsgType { return MsgTMirrorResp }

func (m *MirrorResp) Fields(c Codec) {
	declareResult(c, &m.Result)
}
