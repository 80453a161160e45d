package recordstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/driftdb/pkg/errs"
	"github.com/cuemby/driftdb/pkg/journal"
	"github.com/cuemby/driftdb/pkg/kvstore"
	"github.com/cuemby/driftdb/pkg/recovery"
	"github.com/cuemby/driftdb/pkg/sizestorer"
	"github.com/cuemby/driftdb/pkg/types"
)

type noopDurability struct{}

func (noopDurability) BufferCommit(journal.CommitRecord)      {}
func (noopDurability) WaitForFlush(ctx context.Context) error { return nil }

func setup(t *testing.T) (*kvstore.Store, *sizestorer.Storer, types.Ident) {
	t.Helper()
	store, err := kvstore.Open(filepath.Join(t.TempDir(), "rs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ident := types.Ident("collection-1-aaaa")
	require.NoError(t, store.CreateTable(ident))
	return store, sizestorer.New(store), ident
}

func TestInsertAndFindByID(t *testing.T) {
	store, sizes, ident := setup(t)
	rs := New(ident, sizes, CappedConfig{}, nil)

	ru := recovery.New(store, noopDurability{}, nil)
	wuow, err := recovery.Begin(ru)
	require.NoError(t, err)
	defer wuow.Done()

	id, err := rs.Insert(ru, []byte("alpha"))
	require.NoError(t, err)
	require.NoError(t, wuow.Commit())

	ru2 := recovery.New(store, noopDurability{}, nil)
	require.NoError(t, ru2.BeginUnitOfWork())
	defer ru2.AbortUnitOfWork()

	data, err := rs.FindByID(ru2, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), data)

	info := sizes.Get(ident)
	assert.Equal(t, int64(1), info.NumRecords)
}

func TestDeleteNotFound(t *testing.T) {
	store, sizes, ident := setup(t)
	rs := New(ident, sizes, CappedConfig{}, nil)

	ru := recovery.New(store, noopDurability{}, nil)
	require.NoError(t, ru.BeginUnitOfWork())
	defer ru.AbortUnitOfWork()

	err := rs.Delete(ru, 999)
	assert.True(t, errs.Is(err, errs.KindNotFound))
}

func TestCappedEvictsOldest(t *testing.T) {
	store, sizes, ident := setup(t)
	rs := New(ident, sizes, CappedConfig{MaxCount: 2}, nil)

	ru := recovery.New(store, noopDurability{}, nil)
	wuow, err := recovery.Begin(ru)
	require.NoError(t, err)
	defer wuow.Done()

	id1, err := rs.Insert(ru, []byte("one"))
	require.NoError(t, err)
	_, err = rs.Insert(ru, []byte("two"))
	require.NoError(t, err)
	_, err = rs.Insert(ru, []byte("three"))
	require.NoError(t, err)

	require.NoError(t, wuow.Commit())

	info := sizes.Get(ident)
	assert.Equal(t, int64(2), info.NumRecords)

	ru2 := recovery.New(store, noopDurability{}, nil)
	require.NoError(t, ru2.BeginUnitOfWork())
	defer ru2.AbortUnitOfWork()
	_, err = rs.FindByID(ru2, id1)
	assert.True(t, errs.Is(err, errs.KindNotFound), "oldest record must be evicted")
}

func TestCursorForwardOrder(t *testing.T) {
	store, sizes, ident := setup(t)
	rs := New(ident, sizes, CappedConfig{}, nil)

	ru := recovery.New(store, noopDurability{}, nil)
	wuow, err := recovery.Begin(ru)
	require.NoError(t, err)
	rs.Insert(ru, []byte("a"))
	rs.Insert(ru, []byte("b"))
	rs.Insert(ru, []byte("c"))
	require.NoError(t, wuow.Commit())

	ru2 := recovery.New(store, noopDurability{}, nil)
	require.NoError(t, ru2.BeginUnitOfWork())
	defer ru2.AbortUnitOfWork()

	cur := rs.NewCursor(ru2, types.Forward, false)
	var seen [][]byte
	for {
		_, data, ok := cur.Next()
		if !ok {
			break
		}
		seen = append(seen, data)
	}
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, seen)
}
