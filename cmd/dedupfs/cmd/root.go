package cmd

import (
	"os"

	"github.com/aweris/dedupfs/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "dedupfs",
	Short: "Content-deduplicated file storage",
	Long: "Store files by name while keeping each distinct content only once.\n" +
		"Run 'dedupfs serve' for the HTTP API or use the other commands against the same data directory.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(viper.GetViper(), cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ~/.config/dedupfs/config.yaml)")
	flags.String("data-dir", "", "data directory (default: ~/.local/share/dedupfs)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("index", "", "index backend: bolt, redis, memory")
	flags.String("hash", "", "content hash: md5, blake3")

	viper.BindPFlag("data_dir", flags.Lookup("data-dir"))
	viper.BindPFlag("log.level", flags.Lookup("log-level"))
	viper.BindPFlag("index.backend", flags.Lookup("index"))
	viper.BindPFlag("hash.algorithm", flags.Lookup("hash"))
}
