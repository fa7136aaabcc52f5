package state

import (
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/cmd/util"
	"github.com/ThinkParQ/beegfs-sub020/lib/admin"
	"github.com/ThinkParQ/beegfs-sub020/lib/consistency"
	"github.com/ThinkParQ/beegfs-sub020/lib/nodes"
	"github.com/ThinkParQ/beegfs-sub020/rpc/client"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"strconv"
)

var (
	adminClient *client.AdminClient
	registry    *nodes.Registry

	// StateCommands represents the consistency state command group
	StateCommands = &cobra.Command{
		Use:                "state",
		Short:              "Inspect and override consistency states",
		PersistentPreRunE:  setupAdminClient,
		PersistentPostRunE: closeAdminClient,
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "Lists the consistency states known to a node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			states, err := adminClient.GetTargetStates(cmd.Context())
			if err != nil {
				return err
			}
			out, err := formatStates(states)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}

	setCmd = &cobra.Command{
		Use:   "set [groupID] [nodeID] [state]",
		Short: "Overrides the consistency state of a buddy",
		Long:  "Overrides the consistency state of a buddy without checking the transition. The state is one of good, needs-resync or bad.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTargetState(args)
			if err != nil {
				return err
			}
			if err := adminClient.SetTargetState(cmd.Context(), ts); err != nil {
				return err
			}
			fmt.Println("state set successfully")
			return nil
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common RPC flags to the state command
	util.SetupRPCClientFlags(StateCommands)

	// Add subcommands
	StateCommands.AddCommand(listCmd)
	StateCommands.AddCommand(setCmd)
}

// setupAdminClient initializes the admin client
func setupAdminClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	requester, r, err := util.NewRequester()
	if err != nil {
		return err
	}
	registry = r
	adminClient = client.NewAdminClient(requester, util.GetTargetNode())
	return nil
}

// closeAdminClient closes all connections
func closeAdminClient(_ *cobra.Command, _ []string) error {
	if registry == nil {
		return nil
	}
	return registry.Close()
}

// parseTargetState parses [groupID] [nodeID] [state]
func parseTargetState(args []string) (msg.TargetState, error) {
	groupID, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return msg.TargetState{}, fmt.Errorf("groupID must be a number: %w", err)
	}
	nodeID, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return msg.TargetState{}, fmt.Errorf("nodeID must be a number: %w", err)
	}
	s, err := consistency.ParseState(args[2])
	if err != nil {
		return msg.TargetState{}, err
	}
	return msg.TargetState{GroupID: uint16(groupID), NodeID: uint32(nodeID), State: uint8(s)}, nil
}

// formatStates renders the states as YAML
func formatStates(states []msg.TargetState) (string, error) {
	views := make([]admin.StateView, 0, len(states))
	for _, ts := range states {
		rec, err := consistency.RecordFromWire(ts)
		if err != nil {
			return "", err
		}
		views = append(views, admin.NewStateView(rec))
	}
	if len(views) == 0 {
		return "no consistency states\n", nil
	}
	out, err := yaml.Marshal(views)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
