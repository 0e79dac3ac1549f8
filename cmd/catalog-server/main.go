// Package main provides the catalog-server binary: the product REST API
// and the live change feed for one instance of a fleet.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/catalogcast/catalog-server/internal/config"
	apperrors "github.com/catalogcast/catalog-server/internal/pkg/errors"
	"github.com/catalogcast/catalog-server/internal/pkg/logger"
	"github.com/catalogcast/catalog-server/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "catalog-server",
		Short: "Catalog Server - product API with a live change feed",
		Long: `Catalog Server serves the product catalog over HTTP and pushes every
change to connected browsers over WebSocket. Instances share changes through
a broker (Redis pub/sub or Kafka), so a client sees mutations made on any
instance.

Examples:
  catalog-server                          # Start with defaults (redis on localhost:6379)
  catalog-server --bus memory             # Single node, no broker
  catalog-server -c catalog.yaml --port 9000
  catalog-server products list --server http://localhost:9000
  catalog-server watch                    # Stream changes from a running server`,
		RunE:         runServer,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.Flags().Int("port", 0, "HTTP port (overrides config)")
	rootCmd.Flags().Int("io-port", 0, "separate WebSocket port (overrides config)")
	rootCmd.Flags().String("bus", "", "broker type: memory, redis or kafka (overrides config)")
	rootCmd.Flags().String("instance-id", "", "instance identifier (default: random)")

	rootCmd.AddCommand(
		productsCmd(),
		uploadCmd(),
		watchCmd(),
	)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("catalog-server %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	})

	return rootCmd
}

func runServer(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	instanceID, _ := cmd.Flags().GetString("instance-id")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override from flags
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("io-port") {
		cfg.IOPort, _ = cmd.Flags().GetInt("io-port")
	}
	if cmd.Flags().Changed("bus") {
		cfg.Bus.Type, _ = cmd.Flags().GetString("bus")
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info("Starting Catalog Server",
		"version", version,
		"instance_id", instanceID,
		"addr", cfg.Address(),
		"io_addr", cfg.IOAddress(),
		"bus", cfg.Bus.Type,
	)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	app, err := server.NewApp(ctx, cfg, instanceID, version, log)
	if err != nil {
		if apperrors.IsBrokerUnreachable(err) {
			log.Error("Broker unreachable at startup", "bus", cfg.Bus.Type, "error", err)
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(app.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return app.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Server stopped")
	return nil
}

// signalContext is cancelled on the first shutdown signal.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, shutdownSignals...)
}
