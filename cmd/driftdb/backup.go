package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/driftdb/pkg/backup"
	"github.com/cuemby/driftdb/pkg/engine"
)

var backupCmd = &cobra.Command{
	Use:   "backup DEST_DIR",
	Short: "Take a consistent backup of the engine's data files",
	Long: `backup opens the engine, begins a backup cursor (flushing the
SizeStorer; with --incremental the cursor also pins the journal's
crash-recovery floor), copies the returned file list into DEST_DIR, then
ends the cursor.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		destDir := args[0]
		incremental, _ := cmd.Flags().GetBool("incremental")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}
		cfg.ReadOnly = true

		eng, err := engine.Open(cfg, false)
		if err != nil {
			return fmt.Errorf("failed to open engine: %v", err)
		}
		defer func() {
			eng.Shutdown()
			_ = eng.Close()
		}()

		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %v", destDir, err)
		}

		var files []string
		if incremental {
			cursor, _, err := eng.BeginNonBlockingBackup(backup.NonBlockingOptions{Incremental: true})
			if err != nil {
				return fmt.Errorf("failed to begin backup: %v", err)
			}
			files = cursor.Files
		} else {
			cursor, err := eng.BeginBackup()
			if err != nil {
				return fmt.Errorf("failed to begin backup: %v", err)
			}
			files = cursor.Files
		}

		for _, src := range files {
			dst := filepath.Join(destDir, filepath.Base(src))
			if err := copyFile(src, dst); err != nil {
				_ = eng.EndBackup()
				return fmt.Errorf("failed to copy %s: %v", src, err)
			}
			fmt.Printf("  %s -> %s\n", src, dst)
		}

		if err := eng.EndBackup(); err != nil {
			return fmt.Errorf("failed to end backup: %v", err)
		}

		fmt.Printf("✓ Backup complete: %d file(s) written to %s\n", len(files), destDir)
		return nil
	},
}

func init() {
	backupCmd.Flags().Bool("incremental", false, "Pin the crash-recovery oplog floor for a non-blocking incremental backup")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
