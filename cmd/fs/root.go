package fs

import (
	"github.com/ThinkParQ/beegfs-sub020/cmd/util"
	"github.com/ThinkParQ/beegfs-sub020/lib/nodes"
	"github.com/ThinkParQ/beegfs-sub020/rpc/client"
	"github.com/spf13/cobra"
)

var (
	metaClient *client.MetaClient
	registry   *nodes.Registry

	// FSCommands represents the metadata command group
	FSCommands = &cobra.Command{
		Use:                "fs",
		Short:              "Perform metadata operations",
		PersistentPreRunE:  setupMetaClient,
		PersistentPostRunE: closeMetaClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common RPC flags to the fs command
	util.SetupRPCClientFlags(FSCommands)

	// Add subcommands
	FSCommands.AddCommand(mkdirCmd)
	FSCommands.AddCommand(rmdirCmd)
	FSCommands.AddCommand(statCmd)
	FSCommands.AddCommand(setAttrCmd)
	FSCommands.AddCommand(perfTestCmd)
}

// setupMetaClient initializes the metadata client
func setupMetaClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	requester, r, err := util.NewRequester()
	if err != nil {
		return err
	}
	registry = r
	metaClient = client.NewMetaClient(requester, util.GetTargetNode())
	return nil
}

// closeMetaClient closes all connections
func closeMetaClient(_ *cobra.Command, _ []string) error {
	if registry == nil {
		return nil
	}
	return registry.Close()
}
