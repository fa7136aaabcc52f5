package cmd

import (
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/cmd/fs"
	"github.com/ThinkParQ/beegfs-sub020/cmd/resync"
	"github.com/ThinkParQ/beegfs-sub020/cmd/serve"
	"github.com/ThinkParQ/beegfs-sub020/cmd/state"
	"github.com/ThinkParQ/beegfs-sub020/cmd/util"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "bmirror",
		Short: "mirrored metadata nodes",
		Long: fmt.Sprintf(`bmirror (v%s)

Metadata nodes organized in buddy groups. Every modifying operation on a
primary is mirrored to its secondary; a secondary that missed operations
is marked as needing a resync and brought back by a resync job.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of bmirror",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bmirror v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(fs.FSCommands)
	RootCmd.AddCommand(state.StateCommands)
	RootCmd.AddCommand(resync.ResyncCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("stream transport the node listens on (tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
