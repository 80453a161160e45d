package backup

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/driftdb/pkg/checkpoint"
	"github.com/cuemby/driftdb/pkg/errs"
	"github.com/cuemby/driftdb/pkg/journal"
	"github.com/cuemby/driftdb/pkg/kvstore"
	"github.com/cuemby/driftdb/pkg/sizestorer"
	"github.com/cuemby/driftdb/pkg/tscoord"
)

func setup(t *testing.T) *Coordinator {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "b.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	j, err := journal.Open(filepath.Join(t.TempDir(), "j.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	sizes := sizestorer.New(store)
	ts := tscoord.New(0)
	ckpt := checkpoint.New(store, sizes, j, ts, time.Hour)

	return New([]string{"data.db", "journal.db"}, sizes, ckpt)
}

func TestBeginBackupRejectsSecondCursor(t *testing.T) {
	c := setup(t)
	_, err := c.BeginBackup()
	require.NoError(t, err)

	_, err = c.BeginBackup()
	assert.True(t, errs.Is(err, errs.KindBusy))
}

func TestEndBackupReleasesCursor(t *testing.T) {
	c := setup(t)
	_, err := c.BeginBackup()
	require.NoError(t, err)

	require.NoError(t, c.EndBackup())
	assert.False(t, c.IsOpen())

	_, err = c.BeginBackup()
	require.NoError(t, err)
}

func TestExtendBackupCursorRequiresOpenCursor(t *testing.T) {
	c := setup(t)
	_, err := c.ExtendBackupCursor()
	assert.True(t, errs.Is(err, errs.KindInvalidOption))

	_, err = c.BeginBackup()
	require.NoError(t, err)
	files, err := c.ExtendBackupCursor()
	require.NoError(t, err)
	assert.Equal(t, []string{"data.db", "journal.db"}, files)
}

func TestNonBlockingIncrementalBackupOpensAndEnds(t *testing.T) {
	c := setup(t)
	cursor, _, err := c.BeginNonBlockingBackup(NonBlockingOptions{Incremental: true})
	require.NoError(t, err)
	assert.True(t, cursor.Incremental)
	require.NoError(t, c.EndBackup())
}
