package common

import (
	"fmt"
	"github.com/lni/dragonboat/v4/config"
	"sort"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// helper functions for to interface with Dragonboat (raft backed state store)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the ServerConfig to Dragonboat Config
func (c *ServerConfig) ToDragonboatConfig(shardId uint64) config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            shardId,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	DefaultTryAgainWait        = 5 * time.Second
	DefaultRetryCount          = 3
	DefaultIndirectCommRetries = 5
	DefaultConnsPerEndpoint    = 4
	DefaultAckTimeout          = time.Second
	DefaultAckRetries          = 10
	DefaultAckDedupTTL         = 10 * time.Minute
	DefaultWorkers             = 16
	DefaultReportRetryWait     = 5 * time.Second
	DefaultResyncCheckInterval = 30 * time.Second
)

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

type StateStoreType string

const (
	StateStoreMemory StateStoreType = "memory"
	StateStoreFile   StateStoreType = "file"
	StateStoreRaft   StateStoreType = "raft"
)

// NodeAddr holds the addresses under which a node can be reached
type NodeAddr struct {
	Stream   string // pooled stream transport (tcp or unix)
	Datagram string // connectionless transport (udp)
}

// BuddyGroup pairs two nodes that mirror each other
type BuddyGroup struct {
	Primary   uint32
	Secondary uint32
}

// ServerConfig holds all configuration parameters of a metadata node.
type ServerConfig struct {
	// Node identity
	NodeID  uint32
	GroupID uint16 // buddy group this node serves, 0 if not mirrored

	// Endpoints
	Endpoint         string // stream transport
	DatagramEndpoint string // udp
	AdminEndpoint    string // http admin api, empty disables it

	// Cluster layout
	Nodes       map[uint32]NodeAddr
	BuddyGroups map[uint16]BuddyGroup
	Monitors    []string // datagram addresses that receive consistency state reports

	// Request processing
	Workers       int
	TimeoutSecond int64

	// Consistency state persistence
	StateStore   StateStoreType
	DataDir      string
	StateShardID uint64

	// Dragenboat parameters (raft state store only)
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	ReplicaID          uint64
	ClusterMembers     map[uint64]string

	// Resync
	ResyncWorkers       int
	ResyncRate          int           // entries per second, 0 means unlimited
	ResyncCheckInterval time.Duration // check NEEDS_RESYNC buddies and resync them, 0 disables it

	// Outgoing requests (forwarding to the buddy, state reports)
	Client ClientConfig

	// Logging configuration
	LogLevel string
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Node identity
	addSection("Node")
	addField("Node ID", strconv.FormatUint(uint64(c.NodeID), 10))
	addField("Buddy Group", strconv.FormatUint(uint64(c.GroupID), 10))

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)
	addField("Datagram Endpoint", c.DatagramEndpoint)
	addField("Admin Endpoint", c.AdminEndpoint)
	addField("Workers", strconv.Itoa(c.Workers))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Nodes (sorted for consistent output)
	addSection("Nodes")
	var nodeIDs []uint32
	for id := range c.Nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Slice(nodeIDs, func(i, j int) bool { return nodeIDs[i] < nodeIDs[j] })
	for _, id := range nodeIDs {
		addr := c.Nodes[id]
		addField(strconv.FormatUint(uint64(id), 10), fmt.Sprintf("stream=%s datagram=%s", addr.Stream, addr.Datagram))
	}

	addSection("Buddy Groups")
	var groupIDs []uint16
	for id := range c.BuddyGroups {
		groupIDs = append(groupIDs, id)
	}
	sort.Slice(groupIDs, func(i, j int) bool { return groupIDs[i] < groupIDs[j] })
	for _, id := range groupIDs {
		g := c.BuddyGroups[id]
		addField(strconv.FormatUint(uint64(id), 10), fmt.Sprintf("primary=%d secondary=%d", g.Primary, g.Secondary))
	}

	// Consistency state
	addSection("Consistency State")
	addField("Store", string(c.StateStore))
	addField("Data Directory", c.DataDir)
	addField("Monitors", strings.Join(c.Monitors, ","))
	addField("Resync Workers", strconv.Itoa(c.ResyncWorkers))
	addField("Resync Rate", fmt.Sprintf("%d entries/sec", c.ResyncRate))
	addField("Resync Check Interval", c.ResyncCheckInterval.String())

	if c.StateStore == StateStoreRaft {
		// RAFT parameters
		addSection("RAFT Parameters")
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Replica ID", strconv.FormatUint(c.ReplicaID, 10))
		addField("Shard ID", strconv.FormatUint(c.StateShardID, 10))
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))

		sb.WriteString("  Initial Cluster Members:\n")

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Replica %d: %s\n", k, c.ClusterMembers[k]))
		}
	}

	sb.WriteString(c.Client.String())
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// SocketConf holds settings applied to every stream socket
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds tcp specific socket settings
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// ClientTransportConfig controls connection pooling and the retry policy
type ClientTransportConfig struct {
	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int
	TryAgainWait           time.Duration // wait after a TRYAGAIN control response
	IndirectCommRetries    int           // immediate retries after INDIRECTCOMMERR
	SocketConf
	TCPConf
}

// AckConfig controls at-least-once delivery of datagram notifications
type AckConfig struct {
	Timeout  time.Duration
	Retries  int
	DedupTTL time.Duration
}

type ClientConfig struct {
	NodeID        uint32 // requestor id sent with mirrored requests, 0 picks a random id
	TimeoutSecond int
	Transport     ClientTransportConfig
	Ack           AckConfig
}

// DefaultClientConfig returns a client configuration with all defaults applied
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		TimeoutSecond: 10,
		Transport: ClientTransportConfig{
			RetryCount:             DefaultRetryCount,
			ConnectionsPerEndpoint: DefaultConnsPerEndpoint,
			TryAgainWait:           DefaultTryAgainWait,
			IndirectCommRetries:    DefaultIndirectCommRetries,
			TCPConf:                TCPConf{TCPNoDelay: true},
		},
		Ack: AckConfig{
			Timeout:  DefaultAckTimeout,
			Retries:  DefaultAckRetries,
			DedupTTL: DefaultAckDedupTTL,
		},
	}
}

// Timeout returns the per request io timeout (0 means no timeout)
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Node ID", strconv.FormatUint(uint64(c.NodeID), 10))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Try Again Wait", c.Transport.TryAgainWait.String())
	addField("Indirect Retries", strconv.Itoa(c.Transport.IndirectCommRetries))
	addField("Connections Per Node", strconv.Itoa(max(1, c.Transport.ConnectionsPerEndpoint)))
	addField("Ack Timeout", c.Ack.Timeout.String())
	addField("Ack Retries", strconv.Itoa(c.Ack.Retries))

	// Endpoints
	if len(c.Transport.Endpoints) > 0 {
		addSection("Endpoints")
		for i, endpoint := range c.Transport.Endpoints {
			addField(strconv.Itoa(i), endpoint)
		}
	}

	return sb.String()
}
