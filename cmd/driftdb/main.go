package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/driftdb/pkg/config"
	"github.com/cuemby/driftdb/pkg/engine"
	"github.com/cuemby/driftdb/pkg/log"
	"github.com/cuemby/driftdb/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "driftdb",
	Short: "driftdb - embeddable document storage durability core",
	Long: `driftdb implements the storage durability core of a document
database: snapshot-isolated transactions, timestamp-coordinated
checkpointing, rollback-to-stable, and backup cursors, built on a
single bbolt-backed file plus a raft-boltdb commit journal.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"driftdb version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Data directory (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadConfig resolves the effective config for a command: the YAML file if
// --config was given, otherwise the documented defaults, with --data-dir,
// when given explicitly, overriding whatever dataDir the config file carries.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	var cfg config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the storage core and run its background maintenance loops",
	Long: `serve opens the engine, starts the checkpoint, journal-flush and
session-sweep loops, and exposes Prometheus metrics and health endpoints
until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}

		repairMode, _ := cmd.Flags().GetBool("repair")

		eng, err := engine.Open(cfg, repairMode)
		if err != nil {
			return fmt.Errorf("failed to open engine: %v", err)
		}
		defer eng.Close()

		metrics.RegisterComponent("kvstore", true, "open")
		metrics.SetVersion(Version)

		ctx, cancel := contextWithSignal()
		defer cancel()
		eng.Start(ctx)

		metrics.RegisterComponent("journal", true, "running")
		metrics.RegisterComponent("checkpoint", true, "running")

		metricsAddr := cfg.MetricsAddr
		server := &http.Server{Addr: metricsAddr}
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())

		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
		fmt.Printf("✓ Engine serving, data dir %s\n", cfg.DataDir)
		fmt.Printf("✓ Metrics: http://%s/metrics\n", metricsAddr)
		fmt.Printf("✓ Health:  http://%s/health\n", metricsAddr)

		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}

		_ = server.Close()
		eng.Shutdown()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().Bool("repair", false, "Open in repair mode: recover orphaned idents found on startup")
}

// contextWithSignal returns a context canceled on SIGINT/SIGTERM.
func contextWithSignal() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
