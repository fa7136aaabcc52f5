package client

import (
	"context"
	"errors"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport/udp"
	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"math/rand"
	"time"
)

// --------------------------------------------------------------------------
// Interface Definitions
// --------------------------------------------------------------------------

// INodeResolver maps node ids to their transports
type INodeResolver interface {
	// Pool returns the stream connection pool of a node
	Pool(ctx context.Context, nodeID uint32) (transport.IConnPool, error)

	// DatagramAddr returns the datagram address of a node
	DatagramAddr(nodeID uint32) (string, error)
}

// IRequester is implemented by Requester; consumers depend on the interface
// so tests can inject failures
type IRequester interface {
	RequestResponse(ctx context.Context, nodeID uint32, req msg.Message, respType msg.MsgType, opts ...Option) (msg.Message, error)
	DatagramRequest(ctx context.Context, nodeID uint32, req msg.Message, respType msg.MsgType, opts ...Option) (msg.Message, error)
}

// --------------------------------------------------------------------------
// Per call options
// --------------------------------------------------------------------------

type callOptions struct {
	retries         int
	tryAgainWait    time.Duration
	indirectRetries int
}

// Option overrides the configured retry policy for a single call
type Option func(*callOptions)

// WithRetries sets the number of attempts (minimum 1)
func WithRetries(n int) Option {
	return func(o *callOptions) { o.retries = max(1, n) }
}

// WithTryAgainWait sets the wait after a TRYAGAIN response
func WithTryAgainWait(d time.Duration) Option {
	return func(o *callOptions) { o.tryAgainWait = d }
}

// --------------------------------------------------------------------------
// Requester
// --------------------------------------------------------------------------

// Requester performs request/response exchanges with other nodes. It handles
// the control codes of GenericResponse, retries communication failures and
// assigns sequence numbers to mirrored requests.
type Requester struct {
	nodes   INodeResolver
	config  common.ClientConfig
	localID uint32
	seqs    *xsync.MapOf[uint32, *seqTracker]
}

// NewRequester creates a requester. If config.NodeID is 0 a random requestor
// id is used.
func NewRequester(nodes INodeResolver, config common.ClientConfig) *Requester {
	localID := config.NodeID
	if localID == 0 {
		localID = rand.Uint32() | 1<<31
	}
	return &Requester{
		nodes:   nodes,
		config:  config,
		localID: localID,
		seqs:    xsync.NewMapOf[uint32, *seqTracker](),
	}
}

// LocalID returns the requestor id sent with mirrored requests
func (r *Requester) LocalID() uint32 {
	return r.localID
}

func (r *Requester) options(opts []Option) callOptions {
	o := callOptions{
		retries:         max(1, r.config.Transport.RetryCount),
		tryAgainWait:    r.config.Transport.TryAgainWait,
		indirectRetries: r.config.Transport.IndirectCommRetries,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// tracker returns the sequence tracker of a node
func (r *Requester) tracker(nodeID uint32) *seqTracker {
	t, _ := r.seqs.LoadOrCompute(nodeID, newSeqTracker)
	return t
}

// RequestResponse sends req to nodeID over the pooled stream transport and
// returns the response of type respType.
//
// Errors are CommunicationError (connect/send/receive failures or timeouts
// after all attempts) or ProtocolViolation (unexpected type or control code).
// Mirrored requests that are not forwarded copies get the local requestor id
// and a sequence number; forwarded copies keep the values set by the primary.
func (r *Requester) RequestResponse(ctx context.Context, nodeID uint32, req msg.Message, respType msg.MsgType, opts ...Option) (msg.Message, error) {
	pool, err := r.nodes.Pool(ctx, nodeID)
	if err != nil {
		return nil, common.WrapError(common.ErrCCommunication, err, "node %d unreachable", nodeID)
	}

	return r.request(ctx, nodeID, req, r.options(opts), func(ctx context.Context, data []byte) (msg.Message, error) {
		return r.exchange(ctx, pool, data, respType)
	})
}

// DatagramRequest sends req to the datagram address of nodeID over the
// connectionless transport. Each attempt is one send followed by one receive
// bounded by the client timeout. Control codes are handled like in
// RequestResponse.
func (r *Requester) DatagramRequest(ctx context.Context, nodeID uint32, req msg.Message, respType msg.MsgType, opts ...Option) (msg.Message, error) {
	addr, err := r.nodes.DatagramAddr(nodeID)
	if err != nil {
		return nil, common.WrapError(common.ErrCCommunication, err, "node %d unreachable", nodeID)
	}

	return r.request(ctx, nodeID, req, r.options(opts), func(ctx context.Context, data []byte) (msg.Message, error) {
		return r.datagramExchange(ctx, addr, data, respType)
	})
}

// attemptFunc performs one exchange of an encoded request. It returns either
// a GenericResponse or a response of the expected type.
type attemptFunc func(ctx context.Context, data []byte) (msg.Message, error)

// request runs the retry loop shared by both transports
func (r *Requester) request(ctx context.Context, nodeID uint32, req msg.Message, o callOptions, attempt attemptFunc) (msg.Message, error) {
	// Mirrored requests carry a sequence number per target node
	var tracker *seqTracker
	if mm, ok := req.(msg.MirroredMessage); ok && !req.Header().IsSecondary() {
		mm.SetRequestor(r.localID)
		tracker = r.tracker(nodeID)
		tracker.assign(req.Header())
		defer func() { tracker.finish(req.Header().Seq) }()
	}

	data, err := msg.Marshal(req)
	if err != nil {
		return nil, err
	}

	failures, indirect, newBases := 0, 0, 0
	backoff := initialBackoff

	for {
		resp, err := attempt(ctx, data)
		if err != nil {
			if errors.Is(err, common.ErrProtocolViolation) {
				return nil, err
			}
			failures++
			if failures >= o.retries || ctx.Err() != nil {
				return nil, common.WrapError(common.ErrCCommunication, err, "%s to node %d failed after %d attempts", req.Type(), nodeID, failures)
			}
			Logger.Debugf("%s to node %d: attempt %d/%d failed: %v", req.Type(), nodeID, failures, o.retries, err)
			metrics.GetOrCreateCounter(`bmirror_client_retries_total{reason="communication"}`).Inc()

			// Exponential backoff with a small random jitter
			if err := sleep(ctx, jitter(backoff)); err != nil {
				return nil, common.WrapError(common.ErrCCommunication, err, "%s to node %d aborted", req.Type(), nodeID)
			}
			backoff *= 2
			continue
		}

		ctrl, ok := resp.(*msg.GenericResponse)
		if !ok {
			return resp, nil
		}

		switch ctrl.Code {
		case msg.CtrlTryAgain:
			failures++
			if failures >= o.retries {
				return nil, common.WrapError(common.ErrCCommunication, common.ErrBackpressure, "node %d still busy after %d attempts", nodeID, failures)
			}
			metrics.GetOrCreateCounter(`bmirror_client_retries_total{reason="tryagain"}`).Inc()
			Logger.Debugf("Node %d asked to try again: %s", nodeID, ctrl.Message)
			if err := sleep(ctx, o.tryAgainWait); err != nil {
				return nil, common.WrapError(common.ErrCCommunication, err, "%s to node %d aborted", req.Type(), nodeID)
			}

		case msg.CtrlIndirectCommErr:
			indirect++
			if indirect > o.indirectRetries {
				return nil, common.NewError(common.ErrCCommunication, "indirect communication of node %d failed %d times: %s", nodeID, indirect, ctrl.Message)
			}
			metrics.GetOrCreateCounter(`bmirror_client_retries_total{reason="indirect"}`).Inc()

		case msg.CtrlNewSeqNoBase:
			newBases++
			if tracker == nil || newBases > o.retries {
				return nil, common.NewError(common.ErrCProtocolViolation, "unexpected %s from node %d for %s", ctrl.Code, nodeID, req.Type())
			}
			tracker.adopt(ctrl.Header().Seq)
			tracker.assign(req.Header())
			if data, err = msg.Marshal(req); err != nil {
				return nil, err
			}
			Logger.Debugf("Node %d announced sequence base %d", nodeID, ctrl.Header().Seq)

		case msg.CtrlInvalidSeqNo:
			if tracker != nil {
				tracker.reset()
			}
			return nil, common.NewError(common.ErrCProtocolViolation, "node %d rejected sequence number %d: %s", nodeID, req.Header().Seq, ctrl.Message)

		default:
			return nil, common.NewError(common.ErrCProtocolViolation, "unexpected control code %s from node %d", ctrl.Code, nodeID)
		}
	}
}

// exchange performs one attempt on a pooled connection. A GenericResponse or
// a response of type respType is returned; anything else invalidates the
// connection and is a ProtocolViolation.
func (r *Requester) exchange(ctx context.Context, pool transport.IConnPool, data []byte, respType msg.MsgType) (msg.Message, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := conn.Exchange(ctx, data)
	if err != nil {
		pool.Invalidate(conn)
		return nil, err
	}

	if t := resp.Type(); t != respType && t != msg.MsgTGenericResponse {
		pool.Invalidate(conn)
		return nil, common.NewError(common.ErrCProtocolViolation, "expected %s from %s, got %s", respType, pool.Endpoint(), t)
	}

	pool.Release(conn)
	return resp, nil
}

// datagramExchange performs one attempt from a fresh socket
func (r *Requester) datagramExchange(ctx context.Context, addr string, data []byte, respType msg.MsgType) (msg.Message, error) {
	if timeout := r.config.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := udp.Exchange(ctx, addr, data)
	if err != nil {
		return nil, err
	}
	if t := resp.Type(); t != respType && t != msg.MsgTGenericResponse {
		return nil, common.NewError(common.ErrCProtocolViolation, "expected %s from %s, got %s", respType, addr, t)
	}
	return resp, nil
}
