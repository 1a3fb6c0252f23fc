package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aweris/dedupfs"
	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <name> [file]",
	Short: "Store a file",
	Long: "Store the content of file (or stdin) under name. Fails if name exists\n" +
		"unless --update is given. The extension comes from --ext, then the file name.",
	Args: cobra.RangeArgs(1, 2),
	RunE: runPut,
}

var getCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Write a file's content to stdout or --output",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var rmCmd = &cobra.Command{
	Use:     "rm <name>...",
	Aliases: []string{"delete"},
	Short:   "Delete files",
	Args:    cobra.MinimumNArgs(1),
	RunE:    runRm,
}

func init() {
	putCmd.Flags().Bool("update", false, "replace existing content")
	putCmd.Flags().String("ext", "", "extension label")
	getCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")
	rootCmd.AddCommand(putCmd, getCmd, rmCmd)
}

func runPut(cmd *cobra.Command, args []string) (err error) {
	name := args[0]
	update, _ := cmd.Flags().GetBool("update")
	ext, _ := cmd.Flags().GetString("ext")

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 2 && args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
		if ext == "" {
			ext = dedupfs.ExtensionOf(filepath.Base(args[1]))
		}
	}

	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeWith(a, &err)

	op := a.engine.Create
	if update {
		op = a.engine.Update
	}
	res, err := op(cmd.Context(), name, ext, in)
	if err != nil {
		return err
	}

	rec, err := a.engine.Stat(cmd.Context(), name)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", res, rec.Name, rec.Hash)
	return nil
}

func runGet(cmd *cobra.Command, args []string) (err error) {
	output, _ := cmd.Flags().GetString("output")

	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeWith(a, &err)

	dl, err := a.engine.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	defer dl.Close()

	out := cmd.OutOrStdout()
	if output != "" {
		var f *os.File
		if f, err = os.Create(output); err != nil {
			return err
		}
		defer closeWith(f, &err)
		out = f
	}
	_, err = io.Copy(out, dl)
	return err
}

func runRm(cmd *cobra.Command, args []string) (err error) {
	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeWith(a, &err)

	for _, name := range args {
		if _, err := a.engine.Delete(cmd.Context(), name); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted\t%s\n", name)
	}
	return nil
}
