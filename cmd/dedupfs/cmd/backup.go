package cmd

import (
	"fmt"

	"github.com/aweris/dedupfs"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Sync the store with an OCI registry",
}

var backupPushCmd = &cobra.Command{
	Use:   "push [ref]",
	Short: "Push a snapshot to a registry",
	Long:  "Push every file and its content as an OCI image. Uses remote.ref when no ref is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackup(true),
}

var backupPullCmd = &cobra.Command{
	Use:   "pull [ref]",
	Short: "Restore a snapshot from a registry",
	Long: "Merge a pushed snapshot into the local store. Files in the snapshot replace\n" +
		"local files of the same name; other local files are kept.",
	Args: cobra.MaximumNArgs(1),
	RunE: runBackup(false),
}

func init() {
	backupCmd.AddCommand(backupPushCmd, backupPullCmd)
	rootCmd.AddCommand(backupCmd)
}

func runBackup(push bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		ref := ""
		if len(args) > 0 {
			ref = args[0]
		}

		a, err := openApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer closeWith(a, &err)

		r, err := openRemote(cfg, a.logger, ref)
		if err != nil {
			return err
		}

		var report dedupfs.BackupReport
		if push {
			report, err = a.engine.Push(cmd.Context(), r)
		} else {
			report, err = a.engine.Pull(cmd.Context(), r)
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if report.Ref != "" {
			fmt.Fprintf(out, "ref:   %s\n", report.Ref)
		}
		fmt.Fprintf(out, "files: %d\nblobs: %d (%d bytes)\n", report.Files, report.Blobs, report.Bytes)
		for _, name := range report.Skipped {
			fmt.Fprintf(out, "skipped\t%s (content missing)\n", name)
		}
		return nil
	}
}
