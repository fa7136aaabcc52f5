package serve

import (
	"fmt"
	cmdUtil "github.com/ThinkParQ/beegfs-sub020/cmd/util"
	"github.com/ThinkParQ/beegfs-sub020/rpc/common"
	"github.com/ThinkParQ/beegfs-sub020/rpc/server"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport/tcp"
	"github.com/ThinkParQ/beegfs-sub020/rpc/transport/unix"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a metadata node",
		Long:    `Start a metadata node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is BMIRROR_<flag> (e.g. BMIRROR_NODE_ID=2)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "node-id"
	ServeCmd.PersistentFlags().Uint32(key, 1, cmdUtil.WrapString("The ID of this node, must be listed in --nodes"))

	key = "group-id"
	ServeCmd.PersistentFlags().Uint16(key, 0, cmdUtil.WrapString("The buddy group this node serves, 0 if its metadata is not mirrored"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8005", cmdUtil.WrapString("The address on which the stream transport will listen (e.g. 0.0.0.0:8005, /tmp/meta1.sock, ...)"))

	key = "datagram-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The udp address for state reports and their acknowledgements (empty disables it)"))

	key = "admin-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The address of the admin HTTP API (empty disables it)"))

	key = "nodes"
	ServeCmd.PersistentFlags().String(key, "1=localhost:8005", cmdUtil.WrapString("All metadata nodes as a comma-separated list in the format ID=STREAM[|DATAGRAM]"))

	key = "groups"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The buddy groups as a comma-separated list in the format ID=PRIMARY:SECONDARY (e.g. 1=1:2)"))

	key = "monitors"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated udp addresses that receive the consistency state reports of this node"))

	key = "workers"
	ServeCmd.PersistentFlags().Int(key, common.DefaultWorkers, cmdUtil.WrapString("Number of workers handling datagrams"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds"))

	key = "forward-timeout"
	ServeCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("Timeout in seconds for requests forwarded to the buddy"))

	key = "forward-retries"
	ServeCmd.PersistentFlags().Int(key, common.DefaultRetryCount, cmdUtil.WrapString("How many times a forwarded request is retried"))

	key = "try-again-wait"
	ServeCmd.PersistentFlags().Duration(key, common.DefaultTryAgainWait, cmdUtil.WrapString("How long to wait before retrying a request the buddy answered with TRYAGAIN"))

	key = "state-store"
	ServeCmd.PersistentFlags().String(key, string(common.StateStoreFile), cmdUtil.WrapString("Where the consistency states are kept (memory, file, raft)"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("DataDir is the directory used for the state file or the raft log and snapshots"))

	key = "state-shard-id"
	ServeCmd.PersistentFlags().Uint64(key, 100, cmdUtil.WrapString("(raft state store) The raft shard holding the consistency states"))

	key = "rtt-millisecond"
	ServeCmd.PersistentFlags().Int(key, 100, cmdUtil.WrapString("(raft state store) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. \nOther raft configuration parameters (ElectionRTT=value/10, HeartbeatRTT=value/100) are derived from this value"))

	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Int(key, 10, cmdUtil.WrapString("(raft state store) SnapshotEntries defines how often the state machine should be snapshotted automatically. It is defined in terms of the number of applied Raft log entries. SnapshotEntries can be set to 0 to disable such automatic snapshotting (not recommended)"))

	key = "compaction-overhead"
	ServeCmd.PersistentFlags().Int(key, 5, cmdUtil.WrapString("(raft state store) CompactionOverhead defines the number of snapshots that should be retained in the system. Recommended value is about 1/2 of SnapshotEntries"))

	key = "replica-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(raft state store) ReplicaID is the unique identifier for this NodeHost instance (e.g. 'node-1')"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("(raft state store) ClusterMembers is a comma-separated list of NodeHost addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	key = "resync-workers"
	ServeCmd.PersistentFlags().Int(key, 4, cmdUtil.WrapString("Number of entries a resync job sends in parallel"))

	key = "resync-rate"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Maximum number of entries per second a resync job sends (0 means unlimited)"))

	key = "resync-check-interval"
	ServeCmd.PersistentFlags().Duration(key, common.DefaultResyncCheckInterval, cmdUtil.WrapString("How often buddies that need a resync are checked and resynced automatically (0 disables it)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	var err error

	// parse the cluster layout
	if serveCmdConfig.Nodes, err = cmdUtil.ParseNodes(viper.GetString("nodes")); err != nil {
		return err
	}
	if serveCmdConfig.BuddyGroups, err = cmdUtil.ParseGroups(viper.GetString("groups")); err != nil {
		return err
	}
	serveCmdConfig.Monitors = cmdUtil.ParseList(viper.GetString("monitors"))

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.NodeID = viper.GetUint32("node-id")
	serveCmdConfig.GroupID = viper.GetUint16("group-id")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.DatagramEndpoint = viper.GetString("datagram-endpoint")
	serveCmdConfig.AdminEndpoint = viper.GetString("admin-endpoint")
	serveCmdConfig.Workers = viper.GetInt("workers")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.StateStore = common.StateStoreType(viper.GetString("state-store"))
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.StateShardID = viper.GetUint64("state-shard-id")
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.SnapshotEntries = viper.GetUint64("snapshot-entries")
	serveCmdConfig.CompactionOverhead = viper.GetUint64("compaction-overhead")
	serveCmdConfig.ResyncWorkers = viper.GetInt("resync-workers")
	serveCmdConfig.ResyncRate = viper.GetInt("resync-rate")
	serveCmdConfig.ResyncCheckInterval = viper.GetDuration("resync-check-interval")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	serveCmdConfig.Client = common.DefaultClientConfig()
	serveCmdConfig.Client.NodeID = serveCmdConfig.NodeID
	serveCmdConfig.Client.TimeoutSecond = viper.GetInt("forward-timeout")
	serveCmdConfig.Client.Transport.RetryCount = viper.GetInt("forward-retries")
	serveCmdConfig.Client.Transport.TryAgainWait = viper.GetDuration("try-again-wait")

	// validate the cluster layout
	if _, ok := serveCmdConfig.Nodes[serveCmdConfig.NodeID]; !ok {
		return fmt.Errorf("node %d is not listed in --nodes", serveCmdConfig.NodeID)
	}
	if serveCmdConfig.GroupID != 0 {
		group, ok := serveCmdConfig.BuddyGroups[serveCmdConfig.GroupID]
		if !ok {
			return fmt.Errorf("buddy group %d is not listed in --groups", serveCmdConfig.GroupID)
		}
		if group.Primary != serveCmdConfig.NodeID && group.Secondary != serveCmdConfig.NodeID {
			return fmt.Errorf("node %d is not a member of buddy group %d", serveCmdConfig.NodeID, serveCmdConfig.GroupID)
		}
		for _, id := range []uint32{group.Primary, group.Secondary} {
			if _, ok := serveCmdConfig.Nodes[id]; !ok {
				return fmt.Errorf("buddy %d of group %d is not listed in --nodes", id, serveCmdConfig.GroupID)
			}
		}
	}

	if serveCmdConfig.StateStore != common.StateStoreRaft {
		return nil
	}

	// parse replica id
	if id := viper.GetString("replica-id"); id != "" {
		serveCmdConfig.ReplicaID = cmdUtil.HashString(id)
	} else {
		return fmt.Errorf("ReplicaId is required for the raft state store")
	}

	// parse cluster members
	if clusterMembers := viper.GetString("cluster-members"); clusterMembers != "" {
		if serveCmdConfig.ClusterMembers, err = cmdUtil.ParseMembers(clusterMembers); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("ClusterMembers is required for the raft state store")
	}

	// test if the replica id is in the cluster members
	if _, ok := serveCmdConfig.ClusterMembers[serveCmdConfig.ReplicaID]; !ok {
		return fmt.Errorf("no address found for replica ID %d in cluster members", serveCmdConfig.ReplicaID)
	}

	return nil
}

// run starts the metadata node
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	// Parse the transport
	var t transport.IServerTransport
	switch viper.GetString("transport") {
	case "tcp":
		t = tcp.NewTCPServerTransport(*serveCmdConfig)
	case "unix":
		t = unix.NewUnixServerTransport(*serveCmdConfig)
	default:
		return fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}

	n, err := server.NewNode(*serveCmdConfig, t)
	if err != nil {
		return err
	}

	return n.Serve()
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("bmirror")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

}
