package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/driftdb/pkg/engine"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Run a single on-demand checkpoint and exit",
	Long: `checkpoint opens the engine, runs one checkpoint pass (flushing
the SizeStorer, publishing the oplog-retention floor, and truncating
journal entries older than it), persists the recovery timestamp, and
closes the engine again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}

		eng, err := engine.Open(cfg, false)
		if err != nil {
			return fmt.Errorf("failed to open engine: %v", err)
		}
		defer func() {
			eng.Shutdown()
			_ = eng.Close()
		}()

		if err := eng.Checkpoint(); err != nil {
			return fmt.Errorf("checkpoint failed: %v", err)
		}

		fmt.Printf("✓ Checkpoint complete (stable=%d, oldest=%d, allDurable=%d)\n",
			eng.StableTimestampSeconds(), eng.OldestTimestampSeconds(), eng.AllDurableTimestampSeconds())
		return nil
	},
}
