package sizestorer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/driftdb/pkg/kvstore"
	"github.com/cuemby/driftdb/pkg/types"
)

func openTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	s, err := kvstore.Open(filepath.Join(t.TempDir(), "size.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndFlushRoundTrip(t *testing.T) {
	store := openTestStore(t)
	s := New(store)

	ident := types.Ident("collection-1-aaaa")
	s.Record(ident, types.SizeInfo{NumRecords: 3, DataSize: 300})
	assert.Equal(t, types.SizeInfo{NumRecords: 3, DataSize: 300}, s.Get(ident))

	require.NoError(t, s.Flush(true))

	// A fresh Storer over the same store sees the flushed value.
	s2 := New(store)
	assert.Equal(t, types.SizeInfo{NumRecords: 3, DataSize: 300}, s2.Get(ident))
}

func TestGetCombinesFlushedAndBuffered(t *testing.T) {
	store := openTestStore(t)
	s := New(store)
	ident := types.Ident("collection-2-bbbb")

	s.Record(ident, types.SizeInfo{NumRecords: 5, DataSize: 500})
	require.NoError(t, s.Flush(true))

	s.Record(ident, types.SizeInfo{NumRecords: -2, DataSize: -200})
	assert.Equal(t, types.SizeInfo{NumRecords: 3, DataSize: 300}, s.Get(ident))
}

func TestReconcileDiscardsBuffer(t *testing.T) {
	store := openTestStore(t)
	s := New(store)
	ident := types.Ident("collection-3-cccc")

	s.Record(ident, types.SizeInfo{NumRecords: 100, DataSize: 10000})
	s.Reconcile(ident, types.SizeInfo{NumRecords: 1, DataSize: 100})

	assert.Equal(t, types.SizeInfo{NumRecords: 1, DataSize: 100}, s.Get(ident))
}

func TestSummariesIncludesUnflushedIdents(t *testing.T) {
	store := openTestStore(t)
	s := New(store)
	ident := types.Ident("collection-4-dddd")
	s.Record(ident, types.SizeInfo{NumRecords: 1, DataSize: 10})

	summaries := s.Summaries()
	assert.Equal(t, types.SizeInfo{NumRecords: 1, DataSize: 10}, summaries[ident])
}
