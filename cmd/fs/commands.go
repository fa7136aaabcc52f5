package fs

import (
	"fmt"
	"github.com/ThinkParQ/beegfs-sub020/rpc/msg"
	"github.com/spf13/cobra"
	"os"
	"strconv"
	"text/tabwriter"
	"time"
)

var (
	mkdirCmd = &cobra.Command{
		Use:   "mkdir [parentID] [name]",
		Short: "Creates a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(cmd)
			if err != nil {
				return err
			}
			noMirror, _ := cmd.Flags().GetBool("no-mirror")
			uid, _ := cmd.Flags().GetUint32("uid")
			gid, _ := cmd.Flags().GetUint32("gid")

			id, err := metaClient.MkDir(cmd.Context(), &msg.MkDir{
				ParentID: args[0],
				Name:     args[1],
				Mode:     mode,
				UID:      uid,
				GID:      gid,
				NoMirror: noMirror,
			})
			if err != nil {
				return err
			}
			fmt.Printf("created id=%s\n", id)
			return nil
		},
	}
	rmdirCmd = &cobra.Command{
		Use:   "rmdir [parentID] [name]",
		Short: "Removes an empty directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := metaClient.RmDir(cmd.Context(), &msg.RmDir{ParentID: args[0], Name: args[1]}); err != nil {
				return err
			}
			fmt.Println("removed successfully")
			return nil
		},
	}
	statCmd = &cobra.Command{
		Use:   "stat [entryID]",
		Short: "Prints the attributes of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := metaClient.Stat(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printEntry(e)
			return nil
		},
	}
	setAttrCmd = &cobra.Command{
		Use:   "setattr [entryID]",
		Short: "Changes the mode, owner or mtime of an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &msg.SetAttr{EntryID: args[0]}
			if cmd.Flags().Changed("mode") {
				mode, err := parseMode(cmd)
				if err != nil {
					return err
				}
				req.Valid |= msg.AttrMode
				req.Mode = mode
			}
			if cmd.Flags().Changed("uid") || cmd.Flags().Changed("gid") {
				req.Valid |= msg.AttrOwner
				req.UID, _ = cmd.Flags().GetUint32("uid")
				req.GID, _ = cmd.Flags().GetUint32("gid")
			}
			if cmd.Flags().Changed("mtime") {
				mtime, _ := cmd.Flags().GetInt64("mtime")
				req.Valid |= msg.AttrMtime
				req.Mtime = time.Unix(mtime, 0).UnixNano()
			}
			if req.Valid == 0 {
				return fmt.Errorf("nothing to change (use --mode, --uid, --gid or --mtime)")
			}
			if err := metaClient.SetAttr(cmd.Context(), req); err != nil {
				return err
			}
			fmt.Println("setattr successfully")
			return nil
		},
	}
)

func init() {
	mkdirCmd.Flags().String("mode", "0755", "permission bits (octal)")
	mkdirCmd.Flags().Uint32("uid", 0, "owner user id")
	mkdirCmd.Flags().Uint32("gid", 0, "owner group id")
	mkdirCmd.Flags().Bool("no-mirror", false, "create the directory unmirrored")

	setAttrCmd.Flags().String("mode", "", "permission bits (octal)")
	setAttrCmd.Flags().Uint32("uid", 0, "owner user id")
	setAttrCmd.Flags().Uint32("gid", 0, "owner group id")
	setAttrCmd.Flags().Int64("mtime", 0, "modification time (unix seconds)")
}

// parseMode parses the octal --mode flag
func parseMode(cmd *cobra.Command) (uint32, error) {
	s, _ := cmd.Flags().GetString("mode")
	mode, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("mode must be an octal number: %w", err)
	}
	return uint32(mode), nil
}

func printEntry(e msg.EntryInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	typ := "dir"
	if e.Type == msg.EntryTypeFile {
		typ = "file"
	}
	fmt.Fprintf(w, "id:\t%s\n", e.ID)
	fmt.Fprintf(w, "parent:\t%s\n", e.ParentID)
	fmt.Fprintf(w, "name:\t%s\n", e.Name)
	fmt.Fprintf(w, "type:\t%s\n", typ)
	fmt.Fprintf(w, "mode:\t%#o\n", e.Mode)
	fmt.Fprintf(w, "owner:\t%d:%d\n", e.UID, e.GID)
	fmt.Fprintf(w, "mirrored:\t%t\n", e.Mirrored)
	fmt.Fprintf(w, "ctime:\t%s\n", time.Unix(0, e.Times.Ctime).Format(time.RFC3339Nano))
	fmt.Fprintf(w, "mtime:\t%s\n", time.Unix(0, e.Times.Mtime).Format(time.RFC3339Nano))
	fmt.Fprintf(w, "atime:\t%s\n", time.Unix(0, e.Times.Atime).Format(time.RFC3339Nano))
}
