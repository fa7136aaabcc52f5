package nodes

import (
	"context"
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport/tcp"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport/unix"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

var Logger = logger.GetLogger("nodes")

// Registry resolves node ids to addresses and owns the connection pools to
// all nodes. Callers only hold node ids; pools are created on first use and
// closed by Close.
type Registry struct {
	nodes     map[uint32]common.NodeAddr
	groups    map[uint16]common.BuddyGroup
	config    common.ClientConfig
	pools     *xsync.MapOf[uint32, transport.IConnPool]
	singleRun *singleflight.Group
	closed    atomic.Bool
}

// NewRegistry creates a registry for a static cluster layout
func NewRegistry(nodes map[uint32]common.NodeAddr, groups map[uint16]common.BuddyGroup, config common.ClientConfig) *Registry {
	return &Registry{
		nodes:     nodes,
		groups:    groups,
		config:    config,
		pools:     xsync.NewMapOf[uint32, transport.IConnPool](),
		singleRun: &singleflight.Group{},
	}
}

// --------------------------------------------------------------------------
// Addresses and pools (docu see client.INodeResolver)
// --------------------------------------------------------------------------

func (r *Registry) Pool(_ context.Context, nodeID uint32) (transport.IConnPool, error) {
	if p, ok := r.pools.Load(nodeID); ok {
		return p, nil
	}

	v, err, _ := r.singleRun.Do(strconv.FormatUint(uint64(nodeID), 10), func() (interface{}, error) {
		if r.closed.Load() {
			return nil, fmt.Errorf("node registry closed")
		}
		if p, ok := r.pools.Load(nodeID); ok {
			return p, nil
		}

		addr, ok := r.nodes[nodeID]
		if !ok || addr.Stream == "" {
			return nil, fmt.Errorf("node %d has no stream address", nodeID)
		}

		p := newPool(addr.Stream, r.config)
		r.pools.Store(nodeID, p)
		Logger.Debugf("Created connection pool for node %d (%s)", nodeID, addr.Stream)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(transport.IConnPool), nil
}

func (r *Registry) DatagramAddr(nodeID uint32) (string, error) {
	addr, ok := r.nodes[nodeID]
	if !ok || addr.Datagram == "" {
		return "", fmt.Errorf("node %d has no datagram address", nodeID)
	}
	return addr.Datagram, nil
}

// Addr returns the addresses of a node
func (r *Registry) Addr(nodeID uint32) (common.NodeAddr, bool) {
	addr, ok := r.nodes[nodeID]
	return addr, ok
}

// NodeIDs returns all known node ids in ascending order
func (r *Registry) NodeIDs() []uint32 {
	ids := make([]uint32, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close closes all pools. Pool returns an error afterwards.
func (r *Registry) Close() error {
	r.closed.Store(true)
	r.pools.Range(func(id uint32, p transport.IConnPool) bool {
		_ = p.Close()
		r.pools.Delete(id)
		return true
	})
	return nil
}

// --------------------------------------------------------------------------
// Buddy groups
// --------------------------------------------------------------------------

// Group returns the members of a buddy group
func (r *Registry) Group(groupID uint16) (common.BuddyGroup, bool) {
	g, ok := r.groups[groupID]
	return g, ok
}

// GroupIDs returns all buddy group ids in ascending order
func (r *Registry) GroupIDs() []uint16 {
	ids := make([]uint16, 0, len(r.groups))
	for id := range r.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Buddy returns the other member of groupID as seen from self
func (r *Registry) Buddy(groupID uint16, self uint32) (uint32, bool) {
	g, ok := r.groups[groupID]
	switch {
	case !ok:
		return 0, false
	case g.Primary == self:
		return g.Secondary, true
	case g.Secondary == self:
		return g.Primary, true
	default:
		return 0, false
	}
}

// IsPrimary reports whether self is the primary of groupID
func (r *Registry) IsPrimary(groupID uint16, self uint32) bool {
	g, ok := r.groups[groupID]
	return ok && g.Primary == self
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// newPool picks the transport from the address: absolute paths and unix://
// addresses use unix sockets, everything else tcp
func newPool(addr string, config common.ClientConfig) transport.IConnPool {
	switch {
	case strings.HasPrefix(addr, "unix://"):
		return unix.NewUnixConnPool(strings.TrimPrefix(addr, "unix://"), config)
	case strings.HasPrefix(addr, "/"):
		return unix.NewUnixConnPool(addr, config)
	default:
		return tcp.NewTCPConnPool(strings.TrimPrefix(addr, "tcp://"), config)
	}
}
