package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/driftdb/pkg/journal"
	"github.com/cuemby/driftdb/pkg/kvstore"
	"github.com/cuemby/driftdb/pkg/recovery"
	"github.com/cuemby/driftdb/pkg/sizestorer"
	"github.com/cuemby/driftdb/pkg/tscoord"
	"github.com/cuemby/driftdb/pkg/types"
)

func setup(t *testing.T) (*kvstore.Store, *sizestorer.Storer, *journal.Flusher, *tscoord.Coordinator) {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	return store, sizestorer.New(store), j, tscoord.New(0)
}

func TestCheckpointPersistsOplogFloor(t *testing.T) {
	store, sizes, j, ts := setup(t)
	require.NoError(t, ts.SetStableTimestamp(types.NewTimestamp(100, 0), true))

	eng := New(store, sizes, j, ts, time.Hour)
	require.NoError(t, eng.Checkpoint())

	assert.Equal(t, types.NewTimestamp(100, 0), eng.OplogNeededForCrashRecovery())

	v, ok := store.GetMeta(metaOplogCrash)
	require.True(t, ok)
	assert.Equal(t, types.NewTimestamp(100, 0), decodeTs(v))
}

func TestFirstStableCheckpointLatch(t *testing.T) {
	store, sizes, j, ts := setup(t)
	eng := New(store, sizes, j, ts, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go eng.Run(ctx)

	require.NoError(t, ts.SetStableTimestamp(types.NewTimestamp(100, 0), true))
	eng.NotifyStableAdvanced()

	<-ctx.Done()
	assert.True(t, eng.firstStableDone.Load())
}

func TestRollbackToStableReplaysUndo(t *testing.T) {
	store, sizes, j, ts := setup(t)
	require.NoError(t, store.CreateTable("t1"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go j.Run(ctx)

	ru := recovery.New(store, j, ts)
	wuowA, err := recovery.Begin(ru)
	require.NoError(t, err)
	require.NoError(t, ru.SetTimestamp(types.NewTimestamp(50, 0)))
	require.NoError(t, ru.StageWrite("t1", 1, []byte("A")))
	require.NoError(t, wuowA.Commit())
	require.NoError(t, j.WaitForFlush(ctx))

	ru2 := recovery.New(store, j, ts)
	wuowB, err := recovery.Begin(ru2)
	require.NoError(t, err)
	require.NoError(t, ru2.SetTimestamp(types.NewTimestamp(150, 0)))
	require.NoError(t, ru2.StageWrite("t1", 2, []byte("B")))
	require.NoError(t, wuowB.Commit())
	require.NoError(t, j.WaitForFlush(ctx))

	eng := New(store, sizes, j, ts, time.Hour)
	result, err := eng.RollbackToStable(types.NewTimestamp(100, 0), types.NewTimestamp(0, 0))
	require.NoError(t, err)
	assert.Equal(t, types.NewTimestamp(100, 0), result)

	ru3 := recovery.New(store, j, ts)
	require.NoError(t, ru3.BeginUnitOfWork())
	defer ru3.AbortUnitOfWork()

	v, err := ru3.Read("t1", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), v)

	_, err = ru3.Read("t1", 2)
	assert.Error(t, err)
}
