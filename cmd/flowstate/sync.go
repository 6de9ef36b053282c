package main

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Publish local changes and merge peer snapshots once",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	pol, err := loadPolicy()
	if err != nil {
		return err
	}
	n, err := openNode(pol, log.New(io.Discard, "", 0))
	if err != nil {
		return err
	}
	defer n.close()
	if n.syncer == nil {
		return errors.New("replication is off: set replication.channel_dir in the config")
	}

	rep, syncErr := n.syncer.SyncOnce(cmd.Context())
	out := cmd.OutOrStdout()
	if rep != nil {
		if rep.Published != "" {
			fmt.Fprintf(out, "published %s\n", rep.Published)
		}
		for _, m := range rep.Merged {
			fmt.Fprintf(out, "merged %s: %d applied, %d conflicts\n", m.Snapshot, m.Applied, len(m.Conflicts))
		}
		if rep.FetchErrs > 0 {
			fmt.Fprintf(out, "%d snapshot(s) could not be fetched\n", rep.FetchErrs)
		}
	}
	return syncErr
}
