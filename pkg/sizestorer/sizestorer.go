// Package sizestorer maintains per-ident (numRecords, dataSize) summaries,
// buffering updates in memory and flushing them to the kvstore's metadata
// bucket on checkpoint.
package sizestorer

import (
	"encoding/binary"
	"sync"

	"github.com/cuemby/driftdb/pkg/errs"
	"github.com/cuemby/driftdb/pkg/kvstore"
	"github.com/cuemby/driftdb/pkg/types"
)

const metaPrefix = "sizestorer."

// Storer is the SizeStorer component.
type Storer struct {
	store *kvstore.Store

	mu       sync.Mutex
	buffered map[types.Ident]types.SizeInfo
	flushed  map[types.Ident]types.SizeInfo
	dirty    map[types.Ident]bool
}

// New constructs a Storer, loading any previously flushed values from store.
func New(store *kvstore.Store) *Storer {
	s := &Storer{
		store:    store,
		buffered: make(map[types.Ident]types.SizeInfo),
		flushed:  make(map[types.Ident]types.SizeInfo),
		dirty:    make(map[types.Ident]bool),
	}
	store.ForEachMeta(metaPrefix, func(key string, value []byte) {
		ident := types.Ident(key[len(metaPrefix):])
		s.flushed[ident] = decode(value)
	})
	return s
}

// Get returns the last flushed value for ident plus any buffered delta not
// yet written to disk.
func (s *Storer) Get(ident types.Ident) types.SizeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed[ident].Add(s.buffered[ident])
}

// Record applies delta to ident's in-memory buffer, marking it dirty.
func (s *Storer) Record(ident types.Ident, delta types.SizeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffered[ident] = s.buffered[ident].Add(delta)
	s.dirty[ident] = true
}

// Flush writes every dirty entry, each in its own metadata write; the
// entries are not written as one atomic batch, so an error part-way leaves
// the earlier entries flushed and the rest dirty. On a concurrent write
// conflict the affected entries are left dirty for the next attempt
// rather than surfacing an error, matching the deferred-to-next-interval
// failure policy.
func (s *Storer) Flush(sync bool) error {
	s.mu.Lock()
	dirty := make([]types.Ident, 0, len(s.dirty))
	for ident := range s.dirty {
		dirty = append(dirty, ident)
	}
	s.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	for _, ident := range dirty {
		s.mu.Lock()
		delta := s.buffered[ident]
		merged := s.flushed[ident].Add(delta).Clamped()
		s.mu.Unlock()

		if err := s.store.PutMeta(metaPrefix+string(ident), encode(merged)); err != nil {
			if errs.Is(err, errs.KindWriteConflict) {
				continue
			}
			return err
		}

		s.mu.Lock()
		s.flushed[ident] = merged
		// Keep any delta recorded while the write was in flight.
		rest := s.buffered[ident].Add(types.SizeInfo{NumRecords: -delta.NumRecords, DataSize: -delta.DataSize})
		if rest == (types.SizeInfo{}) {
			delete(s.buffered, ident)
			delete(s.dirty, ident)
		} else {
			s.buffered[ident] = rest
		}
		s.mu.Unlock()
	}
	return nil
}

// Reconcile recomputes ident's flushed value from a full counted total,
// discarding any stale buffered delta. Used when an operation starts in
// rollback or recovery mode and the buffer can no longer be trusted.
func (s *Storer) Reconcile(ident types.Ident, total types.SizeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed[ident] = total.Clamped()
	delete(s.buffered, ident)
	delete(s.dirty, ident)
}

// Summaries returns a snapshot of every known ident's current size,
// satisfying the metrics collector's EngineStats contract.
func (s *Storer) Summaries() map[types.Ident]types.SizeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.Ident]types.SizeInfo, len(s.flushed))
	for ident := range s.flushed {
		out[ident] = s.flushed[ident].Add(s.buffered[ident])
	}
	for ident := range s.buffered {
		if _, ok := out[ident]; !ok {
			out[ident] = s.buffered[ident]
		}
	}
	return out
}

func encode(info types.SizeInfo) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(info.NumRecords))
	binary.BigEndian.PutUint64(buf[8:16], uint64(info.DataSize))
	return buf
}

func decode(b []byte) types.SizeInfo {
	if len(b) < 16 {
		return types.SizeInfo{}
	}
	return types.SizeInfo{
		NumRecords: int64(binary.BigEndian.Uint64(b[0:8])),
		DataSize:   int64(binary.BigEndian.Uint64(b[8:16])),
	}
}
