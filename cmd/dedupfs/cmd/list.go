package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:     "ls [prefix]",
	Aliases: []string{"list"},
	Short:   "List files",
	Long:    "List all files, optionally filtered by name prefix.",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runList,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show file and blob counts",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	listCmd.Flags().Bool("json", false, "print records as JSON lines")
	rootCmd.AddCommand(listCmd, statsCmd)
}

func runList(cmd *cobra.Command, args []string) (err error) {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeWith(a, &err)

	recs, err := a.engine.List(cmd.Context(), prefix)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	}

	if len(recs) == 0 {
		fmt.Fprintln(out, "(no entries)")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tHASH\tEXT\tSIZE\tUPDATED")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", rec.Name, rec.Hash, rec.Extension, rec.Size, rec.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runStats(cmd *cobra.Command, args []string) (err error) {
	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeWith(a, &err)

	s, err := a.engine.Stats(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "files:          %d\n", s.Files)
	fmt.Fprintf(out, "unique content: %d (%d bytes)\n", s.UniqueHashes, s.UniqueBytes)
	fmt.Fprintf(out, "logical bytes:  %d\n", s.LogicalBytes)
	fmt.Fprintf(out, "blobs:          %d (%d bytes stored)\n", s.Blobs, s.StoredBytes)
	fmt.Fprintf(out, "dedup ratio:    %.2f\n", s.DedupRatio())
	fmt.Fprintf(out, "hash:           %s\n", s.Algorithm)
	return nil
}
