package recovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/driftdb/pkg/errs"
	"github.com/cuemby/driftdb/pkg/journal"
	"github.com/cuemby/driftdb/pkg/kvstore"
	"github.com/cuemby/driftdb/pkg/types"
)

type fakeDurability struct {
	buffered []journal.CommitRecord
}

func (f *fakeDurability) BufferCommit(rec journal.CommitRecord) {
	f.buffered = append(f.buffered, rec)
}
func (f *fakeDurability) WaitForFlush(ctx context.Context) error { return nil }

func openTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	s, err := kvstore.Open(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateTable("t1"))
	return s
}

func TestCommitAndReadback(t *testing.T) {
	store := openTestStore(t)
	durab := &fakeDurability{}
	ru := New(store, durab, nil)

	wuow, err := Begin(ru)
	require.NoError(t, err)
	defer wuow.Done()

	require.NoError(t, ru.StageWrite("t1", 1, []byte("alpha")))
	require.NoError(t, wuow.Commit())

	require.Len(t, durab.buffered, 1)

	ru2 := New(store, durab, nil)
	require.NoError(t, ru2.BeginUnitOfWork())
	defer ru2.AbortUnitOfWork()
	got, err := ru2.Read("t1", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), got)
}

func TestDoneAbortsWithoutCommit(t *testing.T) {
	store := openTestStore(t)
	ru := New(store, &fakeDurability{}, nil)

	wuow, err := Begin(ru)
	require.NoError(t, err)
	require.NoError(t, ru.StageWrite("t1", 2, []byte("beta")))
	wuow.Done()

	assert.Equal(t, types.UnitInactive, ru.State())

	ru2 := New(store, &fakeDurability{}, nil)
	require.NoError(t, ru2.BeginUnitOfWork())
	defer ru2.AbortUnitOfWork()
	_, err = ru2.Read("t1", 2)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestDoneAfterCommitIsNoop(t *testing.T) {
	store := openTestStore(t)
	ru := New(store, &fakeDurability{}, nil)

	wuow, err := Begin(ru)
	require.NoError(t, err)
	require.NoError(t, ru.StageWrite("t1", 3, []byte("gamma")))
	require.NoError(t, wuow.Commit())
	wuow.Done() // must not re-abort

	ru2 := New(store, &fakeDurability{}, nil)
	require.NoError(t, ru2.BeginUnitOfWork())
	defer ru2.AbortUnitOfWork()
	got, err := ru2.Read("t1", 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("gamma"), got)
}

func TestWriteConflictOnConcurrentSnapshots(t *testing.T) {
	store := openTestStore(t)

	ruA := New(store, &fakeDurability{}, nil)
	ruB := New(store, &fakeDurability{}, nil)

	require.NoError(t, ruA.BeginUnitOfWork())
	require.NoError(t, ruB.BeginUnitOfWork())

	require.NoError(t, ruA.StageWrite("t1", 9, []byte("from-a")))
	require.NoError(t, ruA.CommitUnitOfWork())

	require.NoError(t, ruB.StageWrite("t1", 9, []byte("from-b")))
	err := ruB.CommitUnitOfWork()
	assert.True(t, errs.Is(err, errs.KindWriteConflict))
	assert.Equal(t, types.UnitInactive, ruB.State(), "a write conflict must not poison the unit")
}

func TestSetReadSourceRejectedWhileActive(t *testing.T) {
	store := openTestStore(t)
	ru := New(store, &fakeDurability{}, nil)
	require.NoError(t, ru.BeginUnitOfWork())
	defer ru.AbortUnitOfWork()

	err := ru.SetReadSource(types.ReadSourceMajority, types.NoTimestamp)
	assert.True(t, errs.Is(err, errs.KindInvalidOption))
}

func TestReleaseAndReattach(t *testing.T) {
	store := openTestStore(t)
	ru := New(store, &fakeDurability{}, nil)
	require.NoError(t, ru.BeginUnitOfWork())
	require.NoError(t, ru.AbortUnitOfWork())

	require.NoError(t, ru.BeginUnitOfWork())
	require.NoError(t, ru.AbortUnitOfWork())
	assert.Equal(t, types.UnitInactive, ru.State())

	released, err := ru.Release()
	require.NoError(t, err)
	require.NoError(t, ru.Reattach(released))
}
