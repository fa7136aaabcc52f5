package resync

import (
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/cmd/util"
	"github.com/ThinkParQ/beegfs-sub020/lib/nodes"
	"github.com/ThinkParQ/beegfs-sub020/rpc/client"
	"github.com/spf13/cobra"
	"strconv"
	"time"
)

var (
	adminClient *client.AdminClient
	registry    *nodes.Registry

	// ResyncCommands represents the resync command group
	ResyncCommands = &cobra.Command{
		Use:                "resync",
		Short:              "Start and abort resync jobs on a primary",
		PersistentPreRunE:  setupAdminClient,
		PersistentPostRunE: closeAdminClient,
	}

	startCmd = &cobra.Command{
		Use:   "start [groupID]",
		Short: "Starts a resync of the secondary of a buddy group",
		Long:  "Starts a resync of the secondary of a buddy group. The request must be sent to the primary of the group (--node). With --since only entries changed after the given time are sent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, err := parseGroup(args[0])
			if err != nil {
				return err
			}

			override := cmd.Flags().Changed("since")
			var lastComm int64
			if override {
				since, _ := cmd.Flags().GetString("since")
				ts, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("since must be a RFC3339 timestamp: %w", err)
				}
				lastComm = ts.UnixNano()
			}

			jobID, err := adminClient.StartResync(cmd.Context(), groupID, override, lastComm)
			if err != nil {
				return err
			}
			fmt.Printf("started job=%s\n", jobID)
			return nil
		},
	}

	abortCmd = &cobra.Command{
		Use:   "abort [groupID]",
		Short: "Aborts the running resync job of a buddy group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID, err := parseGroup(args[0])
			if err != nil {
				return err
			}
			aborted, err := adminClient.AbortResync(cmd.Context(), groupID)
			if err != nil {
				return err
			}
			fmt.Printf("group=%d, aborted=%t\n", groupID, aborted)
			return nil
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common RPC flags to the resync command
	util.SetupRPCClientFlags(ResyncCommands)

	startCmd.Flags().String("since", "", util.WrapString("Override the last successful communication with the secondary (RFC3339)"))

	// Add subcommands
	ResyncCommands.AddCommand(startCmd)
	ResyncCommands.AddCommand(abortCmd)
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

func parseGroup(s string) (uint16, error) {
	id, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("groupID must be a number: %w", err)
	}
	return uint16(id), nil
}
