// Package recovery implements RecoveryUnit (the operation-scoped
// transactional handle) and WriteUnitOfWork (the stack-scoped write
// bracket around it). A RecoveryUnit owns at most one active transaction,
// backed by a kvstore snapshot, and validates its write set against the
// per-key commit-counter table at commit time.
package recovery

import (
	"context"
	"sync"

	"github.com/cuemby/driftdb/pkg/errs"
	"github.com/cuemby/driftdb/pkg/journal"
	"github.com/cuemby/driftdb/pkg/kvstore"
	"github.com/cuemby/driftdb/pkg/tscoord"
	"github.com/cuemby/driftdb/pkg/types"
)

// Durability is the slice of JournalFlusher a RecoveryUnit needs.
type Durability interface {
	BufferCommit(rec journal.CommitRecord)
	WaitForFlush(ctx context.Context) error
}

// Unit is the RecoveryUnit component.
type Unit struct {
	store *kvstore.Store
	durab Durability
	ts    *tscoord.Coordinator

	mu          sync.Mutex
	state       types.UnitState
	depth       int
	forcedAbort bool
	poison      error

	readSource  types.ReadSource
	providedTs  types.Timestamp
	snap        *kvstore.Snapshot
	commitTs    types.Timestamp

	writeSet   []kvstore.Mutation
	undo       []journal.UndoEntry
	onCommit   []func()
	onRollback []func()
}

// New constructs an Inactive RecoveryUnit.
func New(store *kvstore.Store, durab Durability, ts *tscoord.Coordinator) *Unit {
	return &Unit{store: store, durab: durab, ts: ts}
}

// State returns the unit's current lifecycle state.
func (u *Unit) State() types.UnitState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// SetReadSource records the unit's read source and provided timestamp.
// Illegal while the unit is Active. The recorded values do not change what
// a read sees: reads always use the latest committed snapshot.
func (u *Unit) SetReadSource(source types.ReadSource, provided types.Timestamp) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == types.UnitActive {
		return errs.New(errs.KindInvalidOption, "recovery.SetReadSource", nil)
	}
	u.readSource = source
	u.providedTs = provided
	return nil
}

// AbandonSnapshot forces the next operation to open a fresh snapshot.
// Legal only when no unit of work is active.
func (u *Unit) AbandonSnapshot() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == types.UnitActive {
		return errs.New(errs.KindInvalidOption, "recovery.AbandonSnapshot", nil)
	}
	if u.snap != nil {
		_ = u.snap.Close()
		u.snap = nil
	}
	return nil
}

// BeginUnitOfWork transitions Inactive -> Active. Nested calls only
// increment the depth counter; only the outermost call opens the snapshot.
func (u *Unit) BeginUnitOfWork() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.poison != nil {
		return u.poison
	}

	u.depth++
	if u.depth > 1 {
		return nil
	}

	if u.snap == nil {
		snap, err := u.store.OpenSnapshot()
		if err != nil {
			u.depth--
			return err
		}
		u.snap = snap
	}
	u.state = types.UnitActive
	u.forcedAbort = false
	u.writeSet = nil
	u.undo = nil
	u.onCommit = nil
	u.onRollback = nil
	return nil
}

// SetTimestamp sets the commit timestamp for every write staged in the
// current unit.
func (u *Unit) SetTimestamp(t types.Timestamp) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != types.UnitActive {
		return errs.New(errs.KindInvalidOption, "recovery.SetTimestamp", nil)
	}
	u.commitTs = t
	return nil
}

// RegisterChange enqueues a commit/rollback handler pair.
func (u *Unit) RegisterChange(onCommit, onRollback func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if onCommit != nil {
		u.onCommit = append(u.onCommit, onCommit)
	}
	if onRollback != nil {
		u.onRollback = append(u.onRollback, onRollback)
	}
}

// StageWrite buffers a mutation against the active unit's write set,
// capturing the pre-image needed for undo-log replay during
// rollback-to-stable. data == nil stages a delete.
func (u *Unit) StageWrite(ident types.Ident, id types.RecordID, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != types.UnitActive {
		return errs.New(errs.KindInvalidOption, "recovery.StageWrite", nil)
	}

	old, err := u.snap.Get(ident, id)
	hadOld := err == nil
	u.undo = append(u.undo, journal.UndoEntry{Ident: ident, ID: id, HadOldData: hadOld, OldData: old})
	u.writeSet = append(u.writeSet, kvstore.Mutation{Ident: ident, ID: id, Data: data})
	return nil
}

// Read returns ident/id as of the unit's snapshot, reflecting the unit's
// own uncommitted writes first.
func (u *Unit) Read(ident types.Ident, id types.RecordID) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := len(u.writeSet) - 1; i >= 0; i-- {
		m := u.writeSet[i]
		if m.Ident == ident && m.ID == id {
			if m.Data == nil {
				return nil, errs.New(errs.KindNotFound, "recovery.Read", nil)
			}
			return m.Data, nil
		}
	}
	if u.snap == nil {
		return nil, errs.New(errs.KindInvalidOption, "recovery.Read", nil)
	}
	return u.snap.Get(ident, id)
}

// Snapshot exposes the unit's underlying snapshot for read-only scans
// (e.g. RecordStore cursors).
func (u *Unit) Snapshot() *kvstore.Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.snap
}

// CommitUnitOfWork commits at the outermost nesting level; at nested
// levels it only marks that level complete.
func (u *Unit) CommitUnitOfWork() error {
	u.mu.Lock()
	if u.state != types.UnitActive {
		u.mu.Unlock()
		return errs.New(errs.KindInvalidOption, "recovery.CommitUnitOfWork", nil)
	}
	u.depth--
	if u.depth > 0 {
		u.mu.Unlock()
		return nil
	}
	if u.forcedAbort {
		u.mu.Unlock()
		return u.AbortUnitOfWork()
	}

	if u.ts != nil && u.commitTs != types.NoTimestamp && u.commitTs < u.ts.OldestTimestamp() {
		u.mu.Unlock()
		return errs.New(errs.KindInvalidOption, "recovery.CommitUnitOfWork", nil)
	}

	writeSet := u.writeSet
	undo := u.undo
	commitTs := u.commitTs
	snapCtr := u.snap.Counter
	onCommit := u.onCommit
	u.mu.Unlock()

	_, err := u.store.CommitBatch(writeSet, snapCtr)
	if err != nil {
		_ = u.resetAfterTerminal()
		if errs.Is(err, errs.KindWriteConflict) {
			// A write conflict never poisons the unit; the caller retries
			// in a fresh transaction.
			return err
		}
		u.mu.Lock()
		u.poison = err
		u.mu.Unlock()
		return err
	}

	if u.durab != nil && len(writeSet) > 0 {
		u.durab.BufferCommit(journal.CommitRecord{CommitTs: commitTs, Undo: undo})
	}

	for _, fn := range onCommit {
		fn()
	}

	if err := u.resetAfterTerminal(); err != nil {
		u.mu.Lock()
		u.poison = err
		u.mu.Unlock()
		return err
	}
	return nil
}

// AbortUnitOfWork rolls back the current unit, running onRollback
// handlers in reverse registration order.
func (u *Unit) AbortUnitOfWork() error {
	u.mu.Lock()
	if u.state == types.UnitInactive && u.depth == 0 {
		u.mu.Unlock()
		return nil
	}
	if u.depth > 1 {
		u.depth--
		u.forcedAbort = true
		u.mu.Unlock()
		return nil
	}
	u.depth = 0
	onRollback := u.onRollback
	u.mu.Unlock()

	for i := len(onRollback) - 1; i >= 0; i-- {
		onRollback[i]()
	}
	return u.resetAfterTerminal()
}

// resetAfterTerminal closes the snapshot and returns the unit to Inactive,
// ready for its next operation.
func (u *Unit) resetAfterTerminal() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	var err error
	if u.snap != nil {
		err = u.snap.Close()
		u.snap = nil
	}
	u.state = types.UnitInactive
	u.depth = 0
	u.forcedAbort = false
	u.writeSet = nil
	u.undo = nil
	u.commitTs = types.NoTimestamp
	return err
}

// WaitUntilDurable blocks until the current durable timestamp is at least
// this unit's last commit timestamp. Must not be called while the caller
// holds the kvstore write lock.
func (u *Unit) WaitUntilDurable(ctx context.Context) error {
	if u.durab == nil {
		return nil
	}
	return u.durab.WaitForFlush(ctx)
}

// Released is an opaque capture of a RecoveryUnit's live snapshot,
// transferred to a long-lived cursor holder by Release and handed back by
// Reattach.
type Released struct {
	snap *kvstore.Snapshot
}

// Release transfers ownership of the unit's snapshot to a long-lived
// holder (a paused cursor). The unit itself returns to Inactive.
func (u *Unit) Release() (*Released, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == types.UnitActive {
		return nil, errs.New(errs.KindInvalidOption, "recovery.Release", nil)
	}
	r := &Released{snap: u.snap}
	u.snap = nil
	u.state = types.UnitInactive
	return r, nil
}

// Reattach restores a previously released snapshot onto this unit.
func (u *Unit) Reattach(r *Released) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == types.UnitActive {
		return errs.New(errs.KindInvalidOption, "recovery.Reattach", nil)
	}
	u.snap = r.snap
	return nil
}

// WriteUnitOfWork is the stack-scoped write bracket. Go has no
// destructors, so callers must `defer wuow.Done()` immediately after a
// successful Begin; Done is idempotent and aborts unless Commit already
// ran, mirroring the reference's WriteUnitOfWork destructor.
type WriteUnitOfWork struct {
	ru        *Unit
	committed bool
	done      bool
}

// Begin opens a WriteUnitOfWork bracket on ru.
func Begin(ru *Unit) (*WriteUnitOfWork, error) {
	if err := ru.BeginUnitOfWork(); err != nil {
		return nil, err
	}
	return &WriteUnitOfWork{ru: ru}, nil
}

// Commit asserts not yet committed and commits the underlying unit.
func (w *WriteUnitOfWork) Commit() error {
	if w.committed {
		return errs.New(errs.KindInvalidOption, "recovery.WriteUnitOfWork.Commit", nil)
	}
	err := w.ru.CommitUnitOfWork()
	w.committed = err == nil
	return err
}

// Done aborts the unit unless Commit already succeeded. Safe to call more
// than once; only the first call has an effect.
func (w *WriteUnitOfWork) Done() {
	if w.done {
		return
	}
	w.done = true
	if !w.committed {
		_ = w.ru.AbortUnitOfWork()
	}
}
