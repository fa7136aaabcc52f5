package base

import (
	"context"
	"errors"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"net"
	"sync"
	"time"
)

var Logger = logger.GetLogger("transport/rpc")

// PoolMetrics holds the counters, gauges and histograms of all connection pools
var PoolMetrics = gometrics.NewRegistry()

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(ctx context.Context, endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientTransportConfig) error
}

// -----------------------------------------------------------
// Pooled connection
// -----------------------------------------------------------

// Conn is a stream connection owned by a ConnPool
type Conn struct {
	net.Conn
	pool *ConnPool
	buf  []byte // receive buffer, reused across exchanges
}

// Exchange implements transport.IConn
func (c *Conn) Exchange(ctx context.Context, req []byte) (msg.Message, error) {
	endpoint := c.pool.endpoint

	if err := setDeadline(ctx, c.Conn, c.pool.config.Timeout()); err != nil {
		return nil, commError(err, "failed to set deadline for %s", endpoint)
	}

	if _, err := c.Conn.Write(req); err != nil {
		return nil, commError(err, "failed to send to %s", endpoint)
	}

	frame, err := msg.ReadFrame(c.Conn, c.buf)
	if err != nil {
		if errors.Is(err, common.ErrMalformedMessage) {
			return nil, common.WrapError(common.ErrCProtocolViolation, err, "corrupt response header from %s", endpoint)
		}
		return nil, commError(err, "failed to receive from %s", endpoint)
	}

	resp, err := msg.Deserialize(frame)
	if err != nil {
		return nil, common.WrapError(common.ErrCProtocolViolation, err, "invalid response from %s", endpoint)
	}
	return resp, nil
}

// -----------------------------------------------------------
// Connection pool
// -----------------------------------------------------------

// ConnPool manages the stream connections to one endpoint. Connections are
// dialed lazily; at most ConnectionsPerEndpoint are open at any time.
type ConnPool struct {
	connector IClientConnector
	endpoint  string
	config    common.ClientConfig
	max       int

	mu     sync.Mutex
	cond   *sync.Cond
	idle   []*Conn
	open   int
	closed bool

	dials       gometrics.Counter
	dialErrors  gometrics.Counter
	invalidated gometrics.Counter
	openConns   gometrics.Gauge
	acquireWait gometrics.Histogram
}

// NewConnPool creates a pool for endpoint using the given connector
func NewConnPool(connector IClientConnector, endpoint string, config common.ClientConfig) *ConnPool {
	prefix := "pool." + endpoint + "."
	p := &ConnPool{
		connector:   connector,
		endpoint:    endpoint,
		config:      config,
		max:         max(1, config.Transport.ConnectionsPerEndpoint),
		dials:       gometrics.GetOrRegisterCounter(prefix+"dials", PoolMetrics),
		dialErrors:  gometrics.GetOrRegisterCounter(prefix+"dial_errors", PoolMetrics),
		invalidated: gometrics.GetOrRegisterCounter(prefix+"invalidated", PoolMetrics),
		openConns:   gometrics.GetOrRegisterGauge(prefix+"open", PoolMetrics),
		acquireWait: gometrics.GetOrRegisterHistogram(prefix+"acquire_wait_ns", PoolMetrics, gometrics.NewExpDecaySample(1028, 0.015)),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConnPool)
// --------------------------------------------------------------------------

func (p *ConnPool) Endpoint() string {
	return p.endpoint
}

func (p *ConnPool) Acquire(ctx context.Context) (transport.IConn, error) {
	start := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Wake up the waiting loop below when ctx is done
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	for {
		if p.closed {
			return nil, common.NewError(common.ErrCCommunication, "connection pool for %s is closed", p.endpoint)
		}
		if err := ctx.Err(); err != nil {
			return nil, common.WrapError(common.ErrCCommunication, err, "no connection to %s available", p.endpoint)
		}

		// Reuse an idle connection
		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.acquireWait.Update(int64(time.Since(start)))
			return c, nil
		}

		// Dial a new one if the pool is not exhausted
		if p.open < p.max {
			p.open++
			p.openConns.Update(int64(p.open))

			p.mu.Unlock()
			c, err := p.dial(ctx)
			p.mu.Lock()

			if err == nil && p.closed {
				_ = c.Close()
				err = common.NewError(common.ErrCCommunication, "connection pool for %s is closed", p.endpoint)
			}
			if err != nil {
				p.open--
				p.openConns.Update(int64(p.open))
				p.cond.Signal()
				return nil, err
			}
			p.acquireWait.Update(int64(time.Since(start)))
			return c, nil
		}

		// Exhausted, wait for Release/Invalidate
		p.cond.Wait()
	}
}

func (p *ConnPool) Release(c transport.IConn) {
	conn := c.(*Conn)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		_ = conn.Close()
		p.open--
		p.openConns.Update(int64(p.open))
		return
	}
	p.idle = append(p.idle, conn)
	p.cond.Signal()
}

func (p *ConnPool) Invalidate(c transport.IConn) {
	conn := c.(*Conn)
	_ = conn.Close()
	p.invalidated.Inc(1)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.open--
	p.openConns.Update(int64(p.open))
	p.cond.Signal()
	Logger.Debugf("Invalidated connection to %s (%d open)", p.endpoint, p.open)
}

func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, c := range p.idle {
		_ = c.Close()
		p.open--
	}
	p.idle = nil
	p.openConns.Update(int64(p.open))
	p.cond.Broadcast()
	return nil
}

// Stats returns the number of open and idle connections
func (p *ConnPool) Stats() (open, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open, len(p.idle)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// dial establishes and upgrades one connection
func (p *ConnPool) dial(ctx context.Context) (*Conn, error) {
	if timeout := p.config.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := p.connector.Connect(ctx, p.endpoint)
	if err != nil {
		p.dialErrors.Inc(1)
		return nil, common.WrapError(common.ErrCCommunication, err, "failed to connect to %s", p.endpoint)
	}

	// Upgrade the connection with protocol-specific settings
	if err := p.connector.UpgradeConnection(conn, p.config.Transport); err != nil {
		_ = conn.Close()
		p.dialErrors.Inc(1)
		return nil, common.WrapError(common.ErrCCommunication, err, "failed to upgrade connection to %s", p.endpoint)
	}

	p.dials.Inc(1)
	Logger.Debugf("Connected to %s using %s transport", p.endpoint, p.connector.GetName())
	return &Conn{Conn: conn, pool: p, buf: make([]byte, 4096)}, nil
}
