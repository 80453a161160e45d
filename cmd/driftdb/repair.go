package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/driftdb/pkg/engine"
	"github.com/cuemby/driftdb/pkg/types"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Open the engine in repair mode and recover orphaned idents",
	Long: `repair opens the engine with orphan recovery enabled: any ident
whose backing table is missing or corrupt is salvaged or, failing that,
rebuilt empty. The engine is closed again once repair completes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}

		eng, err := engine.Open(cfg, true)
		if err != nil {
			return fmt.Errorf("failed to open engine: %v", err)
		}
		defer func() {
			eng.Shutdown()
			_ = eng.Close()
		}()

		outcomes, err := eng.RepairOrphans()
		if err != nil {
			return fmt.Errorf("repair failed: %v", err)
		}

		if len(outcomes) == 0 {
			fmt.Println("No orphaned idents found")
			return nil
		}

		fmt.Printf("Repaired %d ident(s):\n", len(outcomes))
		for i, outcome := range outcomes {
			fmt.Printf("  [%d] %s\n", i, describeOutcome(outcome))
		}
		return nil
	},
}

func describeOutcome(o types.RecoveryOutcome) string {
	switch o {
	case types.OutcomeRecovered:
		return "recovered"
	case types.OutcomeSalvaged:
		return "salvaged"
	case types.OutcomeRebuilt:
		return "rebuilt empty"
	case types.OutcomeDataModifiedByRepair:
		return "data modified by repair"
	default:
		return "unknown"
	}
}
