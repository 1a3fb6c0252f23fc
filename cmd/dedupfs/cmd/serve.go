package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/aweris/dedupfs/internal/server"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: "Serve the file API on server.listen_addr until interrupted.\n" +
		"With the bolt index the data directory is locked while serving.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (default :8080)")
	viper.BindPFlag("server.listen_addr", serveCmd.Flags().Lookup("listen"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeWith(a, &err)

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := server.New(a.engine, server.Options{
		ListenAddr:      cfg.Server.ListenAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          a.logger,
		Registerer:      a.registry,
		Gatherer:        a.registry,
	})

	a.logger.Info("starting dedupfs",
		zap.String("index", cfg.Index.Backend),
		zap.String("blobs", cfg.Blobs.Backend),
		zap.String("hash", a.engine.Hasher().Name()))
	return srv.Run(ctx)
}
