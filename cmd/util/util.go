package util

import (
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/lib/nodes"
	"github.com/ThinkParQ/beegfs-sub020/rpc/client"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		// Add the word
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// HashString maps a human readable id (e.g. 'node-1') to a numeric id
func HashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// --------------------------------------------------------------------------
// Cluster layout parsing
// --------------------------------------------------------------------------

// ParseNodes parses a comma-separated list of nodes in the format
// ID=STREAM[|DATAGRAM] (e.g. '1=meta1:8005|meta1:8005,2=/tmp/meta2.sock')
func ParseNodes(s string) (map[uint32]common.NodeAddr, error) {
	result := make(map[uint32]common.NodeAddr)
	if strings.TrimSpace(s) == "" {
		return result, nil
	}
	for _, node := range strings.Split(s, ",") {
		parts := strings.SplitN(node, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid node format: %s (expected ID=STREAM[|DATAGRAM])", node)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid node ID %s", parts[0])
		}
		addrs := strings.SplitN(strings.TrimSpace(parts[1]), "|", 2)
		addr := common.NodeAddr{Stream: addrs[0]}
		if len(addrs) == 2 {
			addr.Datagram = addrs[1]
		}
		if addr.Stream == "" {
			return nil, fmt.Errorf("missing stream address for node %d", id)
		}
		result[uint32(id)] = addr
	}
	return result, nil
}

// ParseGroups parses a comma-separated list of buddy groups in the format
// ID=PRIMARY:SECONDARY (e.g. '1=1:2,2=3:4')
func ParseGroups(s string) (map[uint16]common.BuddyGroup, error) {
	result := make(map[uint16]common.BuddyGroup)
	if strings.TrimSpace(s) == "" {
		return result, nil
	}
	for _, group := range strings.Split(s, ",") {
		parts := strings.SplitN(group, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid buddy group format: %s (expected ID=PRIMARY:SECONDARY)", group)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 16)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("invalid buddy group ID %s", parts[0])
		}
		members := strings.Split(strings.TrimSpace(parts[1]), ":")
		if len(members) != 2 {
			return nil, fmt.Errorf("invalid buddy group members: %s (expected PRIMARY:SECONDARY)", parts[1])
		}
		primary, err := strconv.ParseUint(members[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid primary %s: %v", members[0], err)
		}
		secondary, err := strconv.ParseUint(members[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid secondary %s: %v", members[1], err)
		}
		if primary == secondary {
			return nil, fmt.Errorf("buddy group %d mirrors node %d to itself", id, primary)
		}
		result[uint16(id)] = common.BuddyGroup{Primary: uint32(primary), Secondary: uint32(secondary)}
	}
	return result, nil
}

// ParseMembers parses a comma-separated list of raft members in the format
// NAME=ADDRESS. The names are hashed with HashString.
func ParseMembers(s string) (map[uint64]string, error) {
	result := make(map[uint64]string)
	for _, member := range strings.Split(s, ",") {
		parts := strings.Split(member, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
		}
		result[HashString(parts[0])] = parts[1]
	}
	return result, nil
}

// ParseList splits a comma-separated list and drops empty items
func ParseList(s string) []string {
	var result []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

// --------------------------------------------------------------------------
// Client flags and configuration
// --------------------------------------------------------------------------

// SetupRPCClientFlags adds common RPC connection flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of the client"))

	key = "nodes"
	cmd.PersistentFlags().String(key, "1=localhost:8005", WrapString("The metadata nodes as a comma-separated list in the format ID=STREAM[|DATAGRAM]. Stream addresses starting with / or unix:// are unix sockets"))

	key = "node"
	cmd.PersistentFlags().Uint32(key, 1, WrapString("ID of the node to send requests to"))

	key = "transport-conn-per-endpoint"
	cmd.PersistentFlags().Int(key, 1, WrapString("Simultaneous connections per node"))

	key = "transport-retries"
	cmd.PersistentFlags().Int(key, common.DefaultRetryCount, WrapString("How many times to retry the request"))

	key = "transport-try-again-wait"
	cmd.PersistentFlags().Duration(key, common.DefaultTryAgainWait, WrapString("How long to wait before retrying a request the node answered with TRYAGAIN"))

	key = "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the write buffer for the transport (in KB)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the read buffer for the transport (in KB)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY for the transport (only for TCPConf)"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keepalive interval for the transport (in seconds, only for TCPConf)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, 0, WrapString("The linger time for the transport (in seconds, only for TCPConf)"))
}

// InitClientConfig initializes configuration from environment variables
func InitClientConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("bmirror")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() *common.ClientConfig {
	conf := common.DefaultClientConfig()
	conf.TimeoutSecond = viper.GetInt("timeout")
	conf.Transport.RetryCount = viper.GetInt("transport-retries")
	conf.Transport.ConnectionsPerEndpoint = viper.GetInt("transport-conn-per-endpoint")
	conf.Transport.TryAgainWait = viper.GetDuration("transport-try-again-wait")
	conf.Transport.SocketConf = common.SocketConf{
		WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
	}
	conf.Transport.TCPConf = common.TCPConf{
		TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
		TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
	}

	// list the stream addresses for display
	if addrs, err := ParseNodes(viper.GetString("nodes")); err == nil {
		ids := make([]uint32, 0, len(addrs))
		for id := range addrs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			conf.Transport.Endpoints = append(conf.Transport.Endpoints, fmt.Sprintf("%d=%s", id, addrs[id].Stream))
		}
	}

	return &conf
}

// GetTargetNode returns the ID of the node requests are sent to
func GetTargetNode() uint32 {
	return viper.GetUint32("node")
}

// GetTimeout returns the overall timeout of a command
func GetTimeout() time.Duration {
	return time.Duration(viper.GetInt("timeout")) * time.Second
}

// NewRequester creates a requester for the configured nodes. The returned
// registry must be closed when the command is done.
func NewRequester() (*client.Requester, *nodes.Registry, error) {
	addrs, err := ParseNodes(viper.GetString("nodes"))
	if err != nil {
		return nil, nil, err
	}
	target := GetTargetNode()
	if _, ok := addrs[target]; !ok {
		return nil, nil, fmt.Errorf("no address configured for node %d", target)
	}

	config := GetClientConfig()
	registry := nodes.NewRegistry(addrs, nil, *config)
	return client.NewRequester(registry, *config), registry, nil
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
