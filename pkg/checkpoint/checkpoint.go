// Package checkpoint implements CheckpointEngine: a single-threaded
// background task that periodically persists a durable snapshot of engine
// state and, on demand, rolls the engine back to a chosen stable
// timestamp by replaying undo information recorded in the journal.
package checkpoint

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/driftdb/pkg/errs"
	"github.com/cuemby/driftdb/pkg/journal"
	"github.com/cuemby/driftdb/pkg/kvstore"
	"github.com/cuemby/driftdb/pkg/sizestorer"
	"github.com/cuemby/driftdb/pkg/tscoord"
	"github.com/cuemby/driftdb/pkg/types"
)

const sentinelInitialData = types.Timestamp(1)

const (
	metaOplogRollback = "checkpoint.oplogNeededForRollback"
	metaOplogCrash    = "checkpoint.oplogNeededForCrashRecovery"
)

// Engine is the CheckpointEngine component.
type Engine struct {
	store   *kvstore.Store
	sizes   *sizestorer.Storer
	journal *journal.Flusher
	ts      *tscoord.Coordinator

	interval time.Duration

	lockMu sync.Mutex // the single-writer checkpoint lock

	firstStableDone atomic.Bool
	triggerCh       chan struct{}

	oplogNeededForCrashRecovery atomic.Uint64
	backupPin                   atomic.Uint64 // noBackupPin when no backup cursor is open
}

// noBackupPin is the sentinel meaning "no backup cursor currently pins the
// oplog retention floor".
const noBackupPin = ^uint64(0)

// New constructs a CheckpointEngine.
func New(store *kvstore.Store, sizes *sizestorer.Storer, j *journal.Flusher, ts *tscoord.Coordinator, interval time.Duration) *Engine {
	e := &Engine{
		store:     store,
		sizes:     sizes,
		journal:   j,
		ts:        ts,
		interval:  interval,
		triggerCh: make(chan struct{}, 1),
	}
	e.backupPin.Store(noBackupPin)
	if v, ok := store.GetMeta(metaOplogCrash); ok {
		e.oplogNeededForCrashRecovery.Store(uint64(decodeTs(v)))
	}
	return e
}

// SetBackupPin prevents Checkpoint from publishing an
// oplogNeededForCrashRecovery floor past t for as long as a backup cursor
// is open.
func (e *Engine) SetBackupPin(t types.Timestamp) {
	e.backupPin.Store(uint64(t))
}

// ClearBackupPin releases a previously set backup pin.
func (e *Engine) ClearBackupPin() {
	e.backupPin.Store(noBackupPin)
}

// OplogNeededForCrashRecovery returns the last published crash-recovery
// floor, the value below which journal entries may be safely pruned.
func (e *Engine) OplogNeededForCrashRecovery() types.Timestamp {
	return types.Timestamp(e.oplogNeededForCrashRecovery.Load())
}

// Trigger wakes the loop to run a checkpoint immediately, without waiting
// for the next interval tick. Used for the first-stable-checkpoint latch
// and for on-demand checkpoint requests.
func (e *Engine) Trigger() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

// NotifyStableAdvanced must be called after every successful
// setStableTimestamp; if this is the first time stable has caught up to
// initial-data, it triggers an immediate checkpoint instead of waiting for
// the next interval.
func (e *Engine) NotifyStableAdvanced() {
	if e.firstStableDone.Load() {
		return
	}
	if e.ts.StableTimestamp() >= e.ts.InitialDataTimestamp() {
		e.Trigger()
	}
}

// Run executes the checkpoint loop until ctx is canceled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		e.tick()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.triggerCh:
		}
	}
}

func (e *Engine) tick() {
	stable := e.ts.StableTimestamp()
	initial := e.ts.InitialDataTimestamp()

	switch {
	case initial <= sentinelInitialData:
		_ = e.Checkpoint()
	case stable < initial:
		return
	default:
		if err := e.Checkpoint(); err == nil {
			e.firstStableDone.Store(true)
		}
	}
}

// Checkpoint performs one checkpoint: flush the SizeStorer, record the
// oplog-retention pair into the metadata bucket, and truncate journal
// entries older than the newly published crash-recovery floor.
func (e *Engine) Checkpoint() error {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()

	if err := e.sizes.Flush(true); err != nil {
		return err
	}

	oplogNeededForRollback := e.ts.OldestTimestamp()
	oplogNeededForCrashRecovery := oplogNeededForRollback
	if pin := e.backupPin.Load(); pin != noBackupPin && pin < uint64(oplogNeededForCrashRecovery) {
		oplogNeededForCrashRecovery = types.Timestamp(pin)
	}

	if err := e.store.PutMeta(metaOplogRollback, encodeTs(oplogNeededForRollback)); err != nil {
		return err
	}
	if err := e.store.PutMeta(metaOplogCrash, encodeTs(oplogNeededForCrashRecovery)); err != nil {
		return err
	}
	e.oplogNeededForCrashRecovery.Store(uint64(oplogNeededForCrashRecovery))

	if e.journal != nil {
		if err := e.journal.TruncateBefore(oplogNeededForCrashRecovery); err != nil {
			return err
		}
	}
	return nil
}

// RollbackToStable discards every committed write whose timestamp exceeds
// stableTs by replaying the journal's undo log in LIFO order directly
// against the kvstore, bypassing optimistic-concurrency validation since
// the replay must win unconditionally.
func (e *Engine) RollbackToStable(stableTs, initialData types.Timestamp) (types.Timestamp, error) {
	if stableTs < initialData {
		return 0, errs.New(errs.KindUnrecoverableRollback, "checkpoint.RollbackToStable", nil)
	}

	e.lockMu.Lock()
	defer e.lockMu.Unlock()

	if err := e.sizes.Flush(true); err != nil {
		return 0, errs.New(errs.KindUnrecoverableRollback, "checkpoint.RollbackToStable", err)
	}

	entries, err := e.journal.Entries()
	if err != nil {
		return 0, errs.New(errs.KindUnrecoverableRollback, "checkpoint.RollbackToStable", err)
	}

	affected := make(map[types.Ident]bool)
	for i := len(entries) - 1; i >= 0; i-- {
		rec := entries[i]
		if rec.CommitTs <= stableTs {
			continue
		}
		for j := len(rec.Undo) - 1; j >= 0; j-- {
			u := rec.Undo[j]
			var restore []byte
			if u.HadOldData {
				restore = u.OldData
			}
			if _, err := e.store.ApplyDirect([]kvstore.Mutation{{Ident: u.Ident, ID: u.ID, Data: restore}}); err != nil {
				return 0, errs.New(errs.KindUnrecoverableRollback, "checkpoint.RollbackToStable", err)
			}
			affected[u.Ident] = true
		}
	}

	for ident := range affected {
		e.reconcileSize(ident)
	}

	if err := e.ts.SetStableTimestamp(stableTs, true); err != nil {
		return 0, errs.New(errs.KindUnrecoverableRollback, "checkpoint.RollbackToStable", err)
	}
	return stableTs, nil
}

func (e *Engine) reconcileSize(ident types.Ident) {
	snap, err := e.store.OpenSnapshot()
	if err != nil {
		return
	}
	defer snap.Close()

	var count, size int64
	_ = snap.ForEach(ident, false, func(id types.RecordID, data []byte) bool {
		count++
		size += int64(len(data))
		return true
	})
	e.sizes.Reconcile(ident, types.SizeInfo{NumRecords: count, DataSize: size})
}

func encodeTs(t types.Timestamp) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t))
	return buf
}

func decodeTs(b []byte) types.Timestamp {
	if len(b) < 8 {
		return 0
	}
	return types.Timestamp(binary.BigEndian.Uint64(b))
}
