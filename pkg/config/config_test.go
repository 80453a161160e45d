package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "driftdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dataDir: /var/lib/driftdb
checkpointIntervalSec: 30
historyWindowSec: 0
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/driftdb", cfg.DataDir)
	assert.Equal(t, 30, cfg.CheckpointIntervalSec)
	assert.Equal(t, 0, cfg.HistoryWindowSec)
	// Untouched fields keep their defaults.
	assert.True(t, cfg.Durable)
	assert.Equal(t, 256, cfg.CacheSizeMB)
}

func TestValidateRejectsEphemeralAndDurable(t *testing.T) {
	cfg := Default()
	cfg.Ephemeral = true
	cfg.Durable = true

	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRequiresDataDirUnlessEphemeral(t *testing.T) {
	cfg := Default()
	cfg.DataDir = ""

	assert.Error(t, cfg.Validate())

	cfg.Ephemeral = true
	cfg.Durable = false
	assert.NoError(t, cfg.Validate())
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int64(cfg.CheckpointIntervalSec), cfg.CheckpointInterval().Milliseconds()/1000)
	assert.Equal(t, int64(cfg.JournalCommitIntervalMs), cfg.JournalCommitInterval().Milliseconds())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
