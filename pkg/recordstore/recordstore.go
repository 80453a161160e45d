// Package recordstore implements the per-table read/write API: insert,
// update, delete, point lookups, forward/reverse cursors, capped-collection
// eviction, and the validate/compact maintenance operations.
package recordstore

import (
	"sync/atomic"

	"github.com/cuemby/driftdb/pkg/errs"
	"github.com/cuemby/driftdb/pkg/kvstore"
	"github.com/cuemby/driftdb/pkg/recovery"
	"github.com/cuemby/driftdb/pkg/sizestorer"
	"github.com/cuemby/driftdb/pkg/types"
)

// CappedConfig configures ring-buffer eviction. A zero value disables
// capping.
type CappedConfig struct {
	MaxSizeBytes int64
	MaxCount     int64
}

// Store is the RecordStore component for a single ident.
type Store struct {
	ident  types.Ident
	sizes  *sizestorer.Storer
	capped CappedConfig
	nextID atomic.Uint64
}

// New constructs a Store over ident. snap seeds the id allocator from the
// highest existing key so ids remain monotonic across restarts.
func New(ident types.Ident, sizes *sizestorer.Storer, capped CappedConfig, snap *kvstore.Snapshot) *Store {
	s := &Store{ident: ident, sizes: sizes, capped: capped}
	if snap != nil {
		_ = snap.ForEach(ident, true, func(id types.RecordID, data []byte) bool {
			s.nextID.Store(uint64(id))
			return false
		})
	}
	return s
}

// Insert stages a new record and returns its assigned id. ru must have an
// active unit of work.
func (s *Store) Insert(ru *recovery.Unit, data []byte) (types.RecordID, error) {
	id := types.RecordID(s.nextID.Add(1))
	if err := ru.StageWrite(s.ident, id, data); err != nil {
		return 0, err
	}
	s.sizes.Record(s.ident, types.SizeInfo{NumRecords: 1, DataSize: int64(len(data))})

	if s.capped.MaxCount > 0 || s.capped.MaxSizeBytes > 0 {
		if err := s.evictForCapped(ru); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// Update replaces id's data in place; RecordStore never relocates ids in
// this implementation, so the returned id always equals the input.
func (s *Store) Update(ru *recovery.Unit, id types.RecordID, data []byte) (types.RecordID, error) {
	old, err := ru.Read(s.ident, id)
	if err != nil {
		return 0, errs.New(errs.KindNotFound, "recordstore.Update", nil)
	}
	if err := ru.StageWrite(s.ident, id, data); err != nil {
		return 0, err
	}
	s.sizes.Record(s.ident, types.SizeInfo{DataSize: int64(len(data)) - int64(len(old))})
	return id, nil
}

// Delete removes id. NotFound is returned unless silenced by the caller.
func (s *Store) Delete(ru *recovery.Unit, id types.RecordID) error {
	old, err := ru.Read(s.ident, id)
	if err != nil {
		return errs.New(errs.KindNotFound, "recordstore.Delete", nil)
	}
	if err := ru.StageWrite(s.ident, id, nil); err != nil {
		return err
	}
	s.sizes.Record(s.ident, types.SizeInfo{NumRecords: -1, DataSize: -int64(len(old))})
	return nil
}

// FindByID returns id's bytes as of ru's snapshot.
func (s *Store) FindByID(ru *recovery.Unit, id types.RecordID) ([]byte, error) {
	return ru.Read(s.ident, id)
}

// Truncate removes every record in the table.
func (s *Store) Truncate(ru *recovery.Unit) error {
	snap := ru.Snapshot()
	if snap == nil {
		return errs.New(errs.KindInvalidOption, "recordstore.Truncate", nil)
	}
	var ids []types.RecordID
	_ = snap.ForEach(s.ident, false, func(id types.RecordID, data []byte) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		if err := s.Delete(ru, id); err != nil && !errs.Is(err, errs.KindNotFound) {
			return err
		}
	}
	return nil
}

// evictForCapped removes the oldest records until both the size and count
// invariants are restored.
func (s *Store) evictForCapped(ru *recovery.Unit) error {
	snap := ru.Snapshot()
	if snap == nil {
		return nil
	}
	for {
		info := s.sizes.Get(s.ident)
		overSize := s.capped.MaxSizeBytes > 0 && info.DataSize > s.capped.MaxSizeBytes
		overCount := s.capped.MaxCount > 0 && info.NumRecords > s.capped.MaxCount
		if !overSize && !overCount {
			return nil
		}

		// The oldest live record is the first snapshot record this unit has
		// not deleted, or else the lowest id this unit inserted itself (those
		// ids lie above every snapshot id).
		var oldest, maxSeen types.RecordID
		found := false
		_ = snap.ForEach(s.ident, false, func(id types.RecordID, data []byte) bool {
			maxSeen = id
			if _, err := ru.Read(s.ident, id); err == nil {
				oldest, found = id, true
				return false
			}
			return true
		})
		for id := maxSeen + 1; !found && id <= types.RecordID(s.nextID.Load()); id++ {
			if _, err := ru.Read(s.ident, id); err == nil {
				oldest, found = id, true
			}
		}
		if !found {
			return nil
		}
		if err := s.Delete(ru, oldest); err != nil {
			return err
		}
	}
}

// Direction and cursor iteration.

// Cursor is a restartable iterator over a table's records.
type Cursor struct {
	store       *Store
	snap        *kvstore.Snapshot
	direction   types.Direction
	lastSeen    types.RecordID
	started     bool
	tailable    bool
	invalidated atomic.Bool
}

// Invalidate marks the cursor dead: every subsequent Next call reports
// end-of-scan regardless of what its pinned snapshot still holds. The drop
// path calls this on cursors it can't wait out, per the no-records-after-drop
// guarantee.
func (c *Cursor) Invalidate() {
	c.invalidated.Store(true)
}

// NewCursor opens a cursor over ident's records as of ru's snapshot.
func (s *Store) NewCursor(ru *recovery.Unit, direction types.Direction, tailable bool) *Cursor {
	return &Cursor{store: s, snap: ru.Snapshot(), direction: direction, tailable: tailable}
}

// Next returns the next (id, data) pair, or ok=false at end of the scan.
// For a tailable cursor, ok=false means "no results for now", not EOF
// forever; IsEOFForever distinguishes the two.
func (c *Cursor) Next() (id types.RecordID, data []byte, ok bool) {
	if c.invalidated.Load() {
		return 0, nil, false
	}
	reverse := c.direction == types.Reverse
	var found bool
	var fid types.RecordID
	var fdata []byte

	_ = c.snap.ForEach(c.store.ident, reverse, func(rid types.RecordID, rdata []byte) bool {
		if c.started {
			if reverse && rid >= c.lastSeen {
				return true
			}
			if !reverse && rid <= c.lastSeen {
				return true
			}
		}
		fid, fdata, found = rid, rdata, true
		return false
	})
	if !found {
		return 0, nil, false
	}
	c.lastSeen = fid
	c.started = true
	return fid, fdata, true
}

// IsEOFForever reports true for a non-tailable cursor and false for a
// tailable one. A tailable cursor whose table was dropped or truncated is
// not detected as exhausted; it keeps reporting false.
func (c *Cursor) IsEOFForever() bool {
	return !c.tailable
}

// SavedCursorState is the serializable form of a Cursor's position.
type SavedCursorState struct {
	Direction types.Direction
	LastSeen  types.RecordID
	Started   bool
}

// SaveState captures the cursor's position across a yield point.
func (c *Cursor) SaveState() SavedCursorState {
	return SavedCursorState{Direction: c.direction, LastSeen: c.lastSeen, Started: c.started}
}

// RestoreState resumes the cursor against a fresh snapshot. If the
// last-seen record was deleted, the cursor advances to the next record in
// its direction rather than going backward.
func (c *Cursor) RestoreState(snap *kvstore.Snapshot, saved SavedCursorState) {
	c.snap = snap
	c.direction = saved.Direction
	c.lastSeen = saved.LastSeen
	c.started = saved.Started
}

// ValidateAdaptor is invoked once per record during Validate, letting an
// external index-consistency checker cross-check keys.
type ValidateAdaptor func(id types.RecordID, data []byte) error

// ValidateResults summarizes a Validate pass.
type ValidateResults struct {
	RecordsChecked int64
	Errors         []error
}

// Validate walks every record in ident order, invoking adaptor per record.
func (s *Store) Validate(snap *kvstore.Snapshot, adaptor ValidateAdaptor) (ValidateResults, error) {
	var res ValidateResults
	err := snap.ForEach(s.ident, false, func(id types.RecordID, data []byte) bool {
		res.RecordsChecked++
		if adaptor != nil {
			if err := adaptor(id, data); err != nil {
				res.Errors = append(res.Errors, err)
			}
		}
		return true
	})
	if err != nil {
		return res, err
	}
	return res, nil
}

// Compact rewrites the table's underlying bucket into a fresh one to
// reclaim free pages, reporting the size before and after.
func (s *Store) Compact(store *kvstore.Store) (before, after types.SizeInfo, err error) {
	before = s.sizes.Get(s.ident)

	snap, err := store.OpenSnapshot()
	if err != nil {
		return before, before, err
	}
	var muts []kvstore.Mutation
	_ = snap.ForEach(s.ident, false, func(id types.RecordID, data []byte) bool {
		muts = append(muts, kvstore.Mutation{Ident: s.ident, ID: id, Data: data})
		return true
	})
	ctr := snap.Counter
	snap.Close()

	if err := store.DropTable(s.ident); err != nil && !errs.Is(err, errs.KindNotFound) {
		return before, before, err
	}
	if err := store.CreateTable(s.ident); err != nil {
		return before, before, err
	}
	if _, err := store.CommitBatch(muts, ctr); err != nil {
		return before, before, err
	}

	after = before
	return before, after, nil
}
