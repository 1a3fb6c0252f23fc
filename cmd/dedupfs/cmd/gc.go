package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove unreferenced blobs",
	Long: "Delete blobs no file references and that are older than gc.grace_period.\n" +
		"Also reports files whose content is missing from the blob store.",
	Args: cobra.NoArgs,
	RunE: runGC,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-hash every blob and report corrupt ones",
	Args:  cobra.NoArgs,
	RunE:  runVerify,
}

func init() {
	gcCmd.Flags().Bool("dry-run", false, "report without deleting")
	gcCmd.Flags().Duration("grace", 0, "override gc.grace_period")
	gcCmd.Flags().Bool("json", false, "print the report as JSON")
	viper.BindPFlag("gc.grace_period", gcCmd.Flags().Lookup("grace"))
	rootCmd.AddCommand(gcCmd, verifyCmd)
}

func runGC(cmd *cobra.Command, args []string) (err error) {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	asJSON, _ := cmd.Flags().GetBool("json")

	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeWith(a, &err)

	report, err := a.engine.GC(cmd.Context(), dryRun)
	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil && err == nil {
			err = encErr
		}
		return err
	}

	verb := "removed"
	if dryRun {
		verb = "would remove"
	}
	fmt.Fprintf(out, "scanned %d blobs: %d referenced, %d within grace period\n", report.Scanned, report.Referenced, report.Young)
	if dryRun {
		fmt.Fprintf(out, "%s %d orphans\n", verb, len(report.Orphans))
	} else {
		fmt.Fprintf(out, "%s %d orphans (%d bytes)\n", verb, report.Removed, report.FreedBytes)
	}
	for _, name := range report.Dangling {
		fmt.Fprintf(out, "dangling\t%s\n", name)
	}
	return err
}

func runVerify(cmd *cobra.Command, args []string) (err error) {
	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeWith(a, &err)

	corrupt, err := a.engine.Verify(cmd.Context())
	if err != nil {
		return err
	}
	for _, hash := range corrupt {
		fmt.Fprintf(cmd.OutOrStdout(), "corrupt\t%s\n", hash)
	}
	if len(corrupt) > 0 {
		return fmt.Errorf("%d corrupt blobs", len(corrupt))
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}
