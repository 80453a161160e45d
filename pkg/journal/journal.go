// Package journal implements the JournalFlusher: a background task that
// batches buffered commit records behind a single fsync per round, using a
// hashicorp/raft-boltdb BoltStore purely as a sequential durable ledger —
// no raft.Raft consensus, election, or transport is constructed.
package journal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/driftdb/pkg/errs"
	"github.com/cuemby/driftdb/pkg/types"
)

// UndoEntry records enough information to reverse one key's mutation
// within a commit, the undo-log discipline rollbackToStable replays in
// LIFO order.
type UndoEntry struct {
	Ident      types.Ident
	ID         types.RecordID
	HadOldData bool
	OldData    []byte
}

// CommitRecord is the unit journaled per committed WriteUnitOfWork.
type CommitRecord struct {
	CommitTs types.Timestamp
	Undo     []UndoEntry
}

// round is one promise slot in the current/next round pair.
type round struct {
	done chan struct{}
	err  error
}

func newRound() *round { return &round{done: make(chan struct{})} }

func (r *round) complete(err error) {
	r.err = err
	close(r.done)
}

func (r *round) wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return errs.New(errs.KindInterrupted, "journal.WaitForFlush", ctx.Err())
	}
}

// Flusher is the JournalFlusher component.
type Flusher struct {
	logStore *raftboltdb.BoltStore
	interval time.Duration

	mu           sync.Mutex
	buffered     []CommitRecord
	nextIndex    uint64
	currentRound *round
	nextRound    *round
	triggerCh    chan struct{}
	shuttingDown bool
	interrupted  bool
}

// Open opens (creating if necessary) the raft-boltdb log file at path and
// constructs a Flusher with the given commit interval.
func Open(path string, interval time.Duration) (*Flusher, error) {
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, errs.New(errs.KindOther, "journal.Open", err)
	}
	last, err := store.LastIndex()
	if err != nil {
		return nil, errs.New(errs.KindOther, "journal.Open", err)
	}
	first := newRound()
	return &Flusher{
		logStore:     store,
		interval:     interval,
		nextIndex:    last + 1,
		currentRound: first,
		nextRound:    first,
		triggerCh:    make(chan struct{}, 1),
	}, nil
}

// Close closes the underlying log store.
func (f *Flusher) Close() error {
	return f.logStore.Close()
}

// BufferCommit enqueues rec to be written out in the next round.
func (f *Flusher) BufferCommit(rec CommitRecord) {
	f.mu.Lock()
	f.buffered = append(f.buffered, rec)
	f.mu.Unlock()
}

// TriggerFlush sets a one-shot flag waking the loop; it does not wait for
// the round to complete.
func (f *Flusher) TriggerFlush() {
	select {
	case f.triggerCh <- struct{}{}:
	default:
	}
}

// WaitForFlush blocks until a round that starts after this call completes,
// or fails with ShutdownInProgress if the engine is stopping.
func (f *Flusher) WaitForFlush(ctx context.Context) error {
	f.mu.Lock()
	if f.shuttingDown {
		f.mu.Unlock()
		return errs.New(errs.KindShutdownInProgress, "journal.WaitForFlush", nil)
	}
	target := f.nextRound
	f.mu.Unlock()

	f.TriggerFlush()
	return target.wait(ctx)
}

// InterruptForStateChange marks the in-flight round as interrupted due to
// a replication state change. The current round still completes; the flag
// is only recorded, and nothing in this package reads it back.
func (f *Flusher) InterruptForStateChange() {
	f.mu.Lock()
	f.interrupted = true
	f.mu.Unlock()
}

// Run executes the flusher's loop until ctx is canceled. It is meant to be
// started as a named goroutine from Engine.Start.
func (f *Flusher) Run(ctx context.Context) {
	f.mu.Lock()
	f.shuttingDown = false
	f.mu.Unlock()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		f.runRound()

		select {
		case <-ctx.Done():
			f.mu.Lock()
			f.shuttingDown = true
			current := f.currentRound
			fresh := newRound()
			f.currentRound = fresh
			f.nextRound = fresh
			f.mu.Unlock()
			current.complete(errs.New(errs.KindShutdownInProgress, "journal.Run", nil))
			return
		case <-ticker.C:
		case <-f.triggerCh:
		}
	}
}

func (f *Flusher) runRound() {
	f.mu.Lock()
	current := f.currentRound
	f.nextRound = newRound()
	batch := f.buffered
	f.buffered = nil
	f.mu.Unlock()

	err := f.makeDurable(batch)
	current.complete(err)

	f.mu.Lock()
	f.currentRound = f.nextRound
	f.mu.Unlock()
}

// makeDurable appends batch to the log store as one raft.Log entry per
// commit record, relying on bbolt's fsync-on-commit (inherited through
// raft-boltdb) for the physical durability guarantee.
func (f *Flusher) makeDurable(batch []CommitRecord) error {
	if len(batch) == 0 {
		return nil
	}

	f.mu.Lock()
	startIndex := f.nextIndex
	f.mu.Unlock()

	logs := make([]*raft.Log, 0, len(batch))
	for i, rec := range batch {
		data, err := json.Marshal(rec)
		if err != nil {
			return errs.New(errs.KindOther, "journal.makeDurable", err)
		}
		logs = append(logs, &raft.Log{
			Index: startIndex + uint64(i),
			Term:  1,
			Type:  raft.LogCommand,
			Data:  data,
		})
	}

	if err := f.logStore.StoreLogs(logs); err != nil {
		return errs.New(errs.KindOther, "journal.makeDurable", err)
	}

	f.mu.Lock()
	f.nextIndex = startIndex + uint64(len(batch))
	f.mu.Unlock()
	return nil
}

// Entries returns every commit record still retained in the log, in index
// order, for use by CheckpointEngine's rollbackToStable.
func (f *Flusher) Entries() ([]CommitRecord, error) {
	first, err := f.logStore.FirstIndex()
	if err != nil {
		return nil, errs.New(errs.KindOther, "journal.Entries", err)
	}
	last, err := f.logStore.LastIndex()
	if err != nil {
		return nil, errs.New(errs.KindOther, "journal.Entries", err)
	}
	if first == 0 || last == 0 || first > last {
		return nil, nil
	}

	out := make([]CommitRecord, 0, last-first+1)
	var entry raft.Log
	for idx := first; idx <= last; idx++ {
		if err := f.logStore.GetLog(idx, &entry); err != nil {
			continue
		}
		var rec CommitRecord
		if err := json.Unmarshal(entry.Data, &rec); err != nil {
			return nil, errs.New(errs.KindOther, "journal.Entries", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// TruncateBefore removes every journaled entry whose commit timestamp is
// strictly less than floor, called by CheckpointEngine once a checkpoint
// has published a new oplogNeededForCrashRecovery value.
func (f *Flusher) TruncateBefore(floor types.Timestamp) error {
	first, err := f.logStore.FirstIndex()
	if err != nil {
		return errs.New(errs.KindOther, "journal.TruncateBefore", err)
	}
	last, err := f.logStore.LastIndex()
	if err != nil {
		return errs.New(errs.KindOther, "journal.TruncateBefore", err)
	}
	if first == 0 || last == 0 || first > last {
		return nil
	}

	cutoff := first - 1
	var entry raft.Log
	for idx := first; idx <= last; idx++ {
		if err := f.logStore.GetLog(idx, &entry); err != nil {
			break
		}
		var rec CommitRecord
		if err := json.Unmarshal(entry.Data, &rec); err != nil {
			break
		}
		if rec.CommitTs >= floor {
			break
		}
		cutoff = idx
	}
	if cutoff < first {
		return nil
	}
	if err := f.logStore.DeleteRange(first, cutoff); err != nil {
		return errs.New(errs.KindOther, "journal.TruncateBefore", err)
	}
	return nil
}
