// Package engine assembles the storage-durability-core components into a
// single Engine value: the arena-style owner of the SessionCache,
// JournalFlusher, and CheckpointEngine, exposing the command surface that
// external collaborators (query execution, replication) dispatch into.
package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/driftdb/pkg/backup"
	"github.com/cuemby/driftdb/pkg/checkpoint"
	"github.com/cuemby/driftdb/pkg/config"
	"github.com/cuemby/driftdb/pkg/errs"
	"github.com/cuemby/driftdb/pkg/events"
	"github.com/cuemby/driftdb/pkg/ident"
	"github.com/cuemby/driftdb/pkg/journal"
	"github.com/cuemby/driftdb/pkg/kvstore"
	"github.com/cuemby/driftdb/pkg/log"
	"github.com/cuemby/driftdb/pkg/metrics"
	"github.com/cuemby/driftdb/pkg/recordstore"
	"github.com/cuemby/driftdb/pkg/recovery"
	"github.com/cuemby/driftdb/pkg/session"
	"github.com/cuemby/driftdb/pkg/sizestorer"
	"github.com/cuemby/driftdb/pkg/tscoord"
	"github.com/cuemby/driftdb/pkg/types"
)

// CollectionConfig is the concrete shape CreateIdent encodes into the
// registry's opaque schema-config string.
type CollectionConfig struct {
	Capped       bool  `json:"capped"`
	MaxSizeBytes int64 `json:"maxSizeBytes"`
	MaxCount     int64 `json:"maxCount"`
}

// Engine owns every storage-durability-core component for one data
// directory and dispatches the command surface described in the external
// interfaces contract.
type Engine struct {
	cfg config.Config
	log zerolog.Logger

	store    *kvstore.Store
	idents   *ident.Registry
	sizes    *sizestorer.Storer
	sessions *session.Cache
	ts       *tscoord.Coordinator
	journal  *journal.Flusher
	ckpt     *checkpoint.Engine
	backup   *backup.Coordinator
	events   *events.Broker
	metrics  *metrics.Collector

	dbPath      string
	journalPath string

	recordMu     sync.Mutex
	recordStores map[types.Ident]*recordstore.Store

	identSeq  atomic.Uint64
	cursorSeq atomic.Uint64

	activeMu sync.Mutex
	active   map[*recovery.Unit]types.Timestamp

	runMu        sync.Mutex
	cancelRun    context.CancelFunc
	runWg        sync.WaitGroup
	lifecycleMu  sync.Mutex
	lifecycleRan bool
	readOnly     bool
	repairMode   bool

	replicationRecoveryComplete bool
}

// Open constructs the engine over cfg, opening the kvstore and the journal
// and publishing any persisted recovery timestamp. The journal is not
// replayed on open; its entries are read only by rollback-to-stable.
func Open(cfg config.Config, repairMode bool) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dataDir := cfg.DataDir
	if cfg.Ephemeral {
		dir, err := os.MkdirTemp("", "driftdb-ephemeral-*")
		if err != nil {
			return nil, errs.New(errs.KindOther, "engine.Open", err)
		}
		dataDir = dir
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errs.New(errs.KindOther, "engine.Open", err)
	}
	journalDir := filepath.Join(dataDir, "journal")
	if err := os.MkdirAll(journalDir, 0o755); err != nil {
		return nil, errs.New(errs.KindOther, "engine.Open", err)
	}

	dbPath := filepath.Join(dataDir, "driftdb.db")
	store, err := kvstore.Open(dbPath)
	if err != nil {
		return nil, err
	}

	journalPath := filepath.Join(journalDir, "journal.db")
	j, err := journal.Open(journalPath, cfg.JournalCommitInterval())
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	sizes := sizestorer.New(store)
	sessions := session.New()
	registry := ident.New(store, sessions, repairMode)
	ts := tscoord.New(uint32(cfg.HistoryWindowSec))
	ckpt := checkpoint.New(store, sizes, j, ts, cfg.CheckpointInterval())
	backupCoord := backup.New([]string{dbPath, journalPath}, sizes, ckpt)

	e := &Engine{
		cfg:                         cfg,
		log:                         log.WithComponent("engine"),
		store:                       store,
		idents:                      registry,
		sizes:                       sizes,
		sessions:                    sessions,
		ts:                          ts,
		journal:                     j,
		ckpt:                        ckpt,
		backup:                      backupCoord,
		events:                      events.NewBroker(),
		dbPath:                      dbPath,
		journalPath:                 journalPath,
		recordStores:                make(map[types.Ident]*recordstore.Store),
		active:                      make(map[*recovery.Unit]types.Timestamp),
		readOnly:                    cfg.ReadOnly,
		repairMode:                  repairMode,
		replicationRecoveryComplete: true,
	}
	e.metrics = metrics.NewCollector(e)

	if recoveryTs, ok := loadRecoveryTimestamp(store); ok && recoveryTs != types.NoTimestamp {
		_ = ts.SetStableTimestamp(recoveryTs, true)
		e.log.Info().Uint32("recoverySeconds", recoveryTs.Seconds()).Msg("published recovery timestamp")
	}

	e.log.Info().Str("dataDir", dataDir).Bool("repair", repairMode).Msg("engine opened")
	return e, nil
}

// Start launches the background threads: the JournalFlusher, the
// CheckpointEngine, the SessionCache sweeper, and the ident drop drainer.
// In read-only mode only the sweeper runs. The event broker and metrics
// collector are lifecycle singletons started once and left running across
// the Stop/Start cycles RollbackToStable performs internally.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycleMu.Lock()
	if !e.lifecycleRan {
		e.events.Start()
		e.metrics.Start()
		e.lifecycleRan = true
	}
	e.lifecycleMu.Unlock()

	e.runMu.Lock()
	defer e.runMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancelRun = cancel

	e.runWg.Add(1)
	go func() {
		defer e.runWg.Done()
		e.sweepLoop(runCtx)
	}()

	if e.readOnly {
		return
	}

	e.runWg.Add(1)
	go func() {
		defer e.runWg.Done()
		e.journal.Run(runCtx)
	}()

	e.runWg.Add(1)
	go func() {
		defer e.runWg.Done()
		e.ckpt.Run(runCtx)
	}()

	e.runWg.Add(1)
	go func() {
		defer e.runWg.Done()
		e.drainLoop(runCtx)
	}()

	e.runWg.Add(1)
	go func() {
		defer e.runWg.Done()
		e.recoveryTimestampLoop(runCtx)
	}()
}

// recoveryTimestampLoop periodically persists the current stable timestamp
// as the recovery timestamp a future restart publishes on Open.
func (e *Engine) recoveryTimestampLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CheckpointInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.persistRecoveryTimestamp()
		}
	}
}

func (e *Engine) persistRecoveryTimestamp() {
	stable := e.ts.StableTimestamp()
	if stable == types.NoTimestamp {
		return
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(stable))
	_ = e.store.PutMeta("engine.recoveryTimestamp", buf)
}

// Stop cancels the JournalFlusher, CheckpointEngine, sweeper, and drain
// loops and blocks until they exit. The event broker and metrics collector
// keep running; RollbackToStable relies on this to cycle Stop/Start
// internally without tearing down process-lifetime singletons.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel := e.cancelRun
	e.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.runWg.Wait()
}

// Shutdown stops every background thread, including the event broker and
// metrics collector, for final process teardown.
func (e *Engine) Shutdown() {
	e.Stop()
	e.lifecycleMu.Lock()
	if e.lifecycleRan {
		e.metrics.Stop()
		e.events.Stop()
		e.lifecycleRan = false
	}
	e.lifecycleMu.Unlock()
}

// Close releases the underlying kvstore and journal files. Callers should
// Shutdown before Close.
func (e *Engine) Close() error {
	jerr := e.journal.Close()
	serr := e.store.Close()
	if serr != nil {
		return serr
	}
	return jerr
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SessionIdleTimeout())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sessions.SweepIdleSessions(e.cfg.SessionIdleTimeout())
		}
	}
}

func (e *Engine) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.idents.DrainPendingDrops()
		}
	}
}

// CreateIdent mints a fresh ident of kind, creates its underlying table,
// and registers a RecordStore for it.
func (e *Engine) CreateIdent(kind string, cfg CollectionConfig) (types.Ident, error) {
	if e.readOnly {
		return "", errs.New(errs.KindInvalidOption, "engine.CreateIdent", nil)
	}
	seq := e.identSeq.Add(1)
	id := ident.NewIdent(kind, seq)

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return "", errs.New(errs.KindOther, "engine.CreateIdent", err)
	}
	if err := e.idents.CreateTable(id, string(encoded)); err != nil {
		return "", err
	}

	e.recordMu.Lock()
	e.recordStores[id] = recordstore.New(id, e.sizes, recordstore.CappedConfig{MaxSizeBytes: cfg.MaxSizeBytes, MaxCount: cfg.MaxCount}, nil)
	e.recordMu.Unlock()

	e.events.Publish(&events.Event{Type: events.IdentCreated, Message: string(id)})
	e.log.Debug().Str("ident", string(id)).Str("kind", kind).Msg("ident created")
	return id, nil
}

// DropIdent drops ident, deferring if cursors still reference it.
func (e *Engine) DropIdent(id types.Ident) error {
	if e.readOnly {
		return errs.New(errs.KindInvalidOption, "engine.DropIdent", nil)
	}
	before := e.idents.PendingDropCount()
	if err := e.idents.DropTable(id); err != nil {
		return err
	}
	if e.idents.PendingDropCount() > before {
		e.events.Publish(&events.Event{Type: events.IdentDropDeferred, Message: string(id)})
		return nil
	}

	e.recordMu.Lock()
	delete(e.recordStores, id)
	e.recordMu.Unlock()
	e.events.Publish(&events.Event{Type: events.IdentDropped, Message: string(id)})
	return nil
}

// RecordStore returns the RecordStore for an already-created ident.
func (e *Engine) RecordStore(id types.Ident) (*recordstore.Store, error) {
	e.recordMu.Lock()
	defer e.recordMu.Unlock()
	rs, ok := e.recordStores[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "engine.RecordStore", nil)
	}
	return rs, nil
}

// AcquireSession checks out a pooled session for a new client connection.
func (e *Engine) AcquireSession() *session.Handle { return e.sessions.AcquireSession() }

// NewRecoveryUnit constructs a RecoveryUnit bound to this engine's kvstore
// and JournalFlusher, tracking it so GetOldestActiveTxnTs can observe it.
func (e *Engine) NewRecoveryUnit() *recovery.Unit {
	ru := recovery.New(e.store, e.journal, e.ts)
	e.activeMu.Lock()
	e.active[ru] = types.NoTimestamp
	e.activeMu.Unlock()
	return ru
}

// ReleaseRecoveryUnit stops tracking ru for oldest-active-txn purposes.
// Callers call this once the unit is permanently done (after the
// WriteUnitOfWork Done() / Commit() pairing completes).
func (e *Engine) ReleaseRecoveryUnit(ru *recovery.Unit) {
	e.activeMu.Lock()
	delete(e.active, ru)
	e.activeMu.Unlock()
}

// cursorHandle adapts a recordstore.Cursor to session.CursorHandle so
// IdentRegistry's drop path can invalidate it in place.
type cursorHandle struct {
	uri    string
	cursor *recordstore.Cursor
}

func (h *cursorHandle) URI() string { return h.uri }
func (h *cursorHandle) Invalidate() { h.cursor.Invalidate() }

// OpenCursor opens a RecordStore cursor over id and registers it against sh
// so a concurrent DropIdent defers rather than racing the scan. The
// returned cursorID must be passed to CloseCursor when the caller is done.
func (e *Engine) OpenCursor(sh *session.Handle, id types.Ident, ru *recovery.Unit, direction types.Direction, tailable bool) (*recordstore.Cursor, uint64, error) {
	rs, err := e.RecordStore(id)
	if err != nil {
		return nil, 0, err
	}
	cur := rs.NewCursor(ru, direction, tailable)
	handle := &cursorHandle{uri: id.TableURI(), cursor: cur}
	cursorID := e.cursorSeq.Add(1)
	sh.RegisterCursor(cursorID, handle)
	return cur, cursorID, nil
}

// CloseCursor unregisters a cursor opened with OpenCursor, letting a
// deferred drop for its ident proceed once no cursor references remain.
func (e *Engine) CloseCursor(sh *session.Handle, cursorID uint64) {
	sh.UnregisterCursor(cursorID)
}

// NoteCommitTimestamp records the commit timestamp ru is about to publish,
// so GetOldestActiveTxnTs can exclude timestamps of units that have already
// finished.
func (e *Engine) NoteCommitTimestamp(ru *recovery.Unit, ts types.Timestamp) {
	e.activeMu.Lock()
	if _, ok := e.active[ru]; ok {
		e.active[ru] = ts
	}
	e.activeMu.Unlock()
}

// GetOldestActiveTxnTs returns the smallest nonzero commit timestamp among
// tracked in-flight units, or the current stable timestamp if none are
// in flight.
func (e *Engine) GetOldestActiveTxnTs() types.Timestamp {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	var min types.Timestamp
	found := false
	for _, ts := range e.active {
		if ts == types.NoTimestamp {
			continue
		}
		if !found || ts < min {
			min = ts
			found = true
		}
	}
	if !found {
		return e.ts.StableTimestamp()
	}
	return min
}

// FlushJournal triggers and waits for one journal round to complete.
func (e *Engine) FlushJournal(ctx context.Context) error {
	return e.journal.WaitForFlush(ctx)
}

// BeginBackup opens a blocking backup cursor.
func (e *Engine) BeginBackup() (*backup.Cursor, error) {
	return e.backup.BeginBackup()
}

// BeginNonBlockingBackup opens a non-blocking backup cursor, pinning the
// oplog retention floor for its duration.
func (e *Engine) BeginNonBlockingBackup(opts backup.NonBlockingOptions) (*backup.Cursor, map[string][]backup.BlockRange, error) {
	return e.backup.BeginNonBlockingBackup(opts)
}

// ExtendBackup returns files generated since the backup cursor opened.
func (e *Engine) ExtendBackup() ([]string, error) {
	return e.backup.ExtendBackupCursor()
}

// EndBackup closes the open backup cursor.
func (e *Engine) EndBackup() error {
	if err := e.backup.EndBackup(); err != nil {
		return err
	}
	e.events.Publish(&events.Event{Type: events.BackupClosed})
	return nil
}

// Checkpoint runs an on-demand checkpoint and persists the new recovery
// timestamp for the next restart.
func (e *Engine) Checkpoint() error {
	if err := e.ckpt.Checkpoint(); err != nil {
		return err
	}
	e.persistRecoveryTimestamp()
	e.events.Publish(&events.Event{Type: events.CheckpointComplete})
	return nil
}

// SetStableTimestamp publishes t as the new stable timestamp and notifies
// the CheckpointEngine in case this is the first stable/initial-data
// crossing.
func (e *Engine) SetStableTimestamp(t types.Timestamp, force bool) error {
	if err := e.ts.SetStableTimestamp(t, force); err != nil {
		return err
	}
	e.ckpt.NotifyStableAdvanced()
	return nil
}

// SetOldestTimestamp publishes t as the new oldest timestamp.
func (e *Engine) SetOldestTimestamp(t types.Timestamp, force bool) error {
	return e.ts.SetOldestTimestamp(t, force)
}

// SetInitialDataTimestamp publishes t as the new initial-data timestamp.
func (e *Engine) SetInitialDataTimestamp(t types.Timestamp) {
	e.ts.SetInitialDataTimestamp(t)
}

// GetAllDurable returns the engine's current all-durable timestamp.
func (e *Engine) GetAllDurable() types.Timestamp {
	return e.ts.GetAllDurableTimestamp(e.GetOldestActiveTxnTs())
}

// RollbackToStable stops the background threads, replays the undo log
// back to stableTs, and restarts them.
func (e *Engine) RollbackToStable(ctx context.Context, stableTs, initialData types.Timestamp) (types.Timestamp, error) {
	e.log.Warn().Uint32("stableSeconds", stableTs.Seconds()).Msg("rollback to stable requested")
	e.Stop()
	defer e.Start(ctx)

	result, err := e.ckpt.RollbackToStable(stableTs, initialData)
	if err != nil {
		return 0, err
	}
	e.persistRecoveryTimestamp()
	e.events.Publish(&events.Event{Type: events.RollbackToStable})
	return result, nil
}

// PrepareDowngrade issues a final checkpoint before the process closes the
// engine for a version downgrade. Forbidden if the process has a non-null
// recovery timestamp but replication recovery has not completed.
func (e *Engine) PrepareDowngrade(compatVersion string) error {
	if e.ts.InitialDataTimestamp() != types.NoTimestamp && !e.replicationRecoveryComplete {
		return errs.New(errs.KindInvalidOption, "engine.PrepareDowngrade", nil)
	}
	if err := e.ckpt.Checkpoint(); err != nil {
		return err
	}
	e.persistRecoveryTimestamp()
	return e.store.PutMeta("engine.compatVersion", []byte(compatVersion))
}

// RepairOrphans recovers every registered ident whose underlying table is
// missing from the kvstore file, used by --repair startup.
func (e *Engine) RepairOrphans() ([]types.RecoveryOutcome, error) {
	var outcomes []types.RecoveryOutcome
	for _, id := range e.idents.ListAllIdents() {
		if e.store.HasTable(id) {
			continue
		}
		outcome, err := e.idents.RecoverOrphan(id)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// metrics.EngineStats implementation.

func (e *Engine) IdentCount() int { return len(e.idents.ListAllIdents()) }

func (e *Engine) PendingDropCount() int { return e.idents.PendingDropCount() }

func (e *Engine) SizeSummaries() map[string]metrics.SizeSample {
	out := make(map[string]metrics.SizeSample)
	for id, info := range e.sizes.Summaries() {
		out[string(id)] = metrics.SizeSample{NumRecords: info.NumRecords, DataSize: info.DataSize}
	}
	return out
}

func (e *Engine) StableTimestampSeconds() uint32 { return e.ts.StableTimestamp().Seconds() }

func (e *Engine) OldestTimestampSeconds() uint32 { return e.ts.OldestTimestamp().Seconds() }

func (e *Engine) AllDurableTimestampSeconds() uint32 { return e.GetAllDurable().Seconds() }

func (e *Engine) BackupCursorOpen() bool { return e.backup.IsOpen() }

func loadRecoveryTimestamp(store *kvstore.Store) (types.Timestamp, bool) {
	v, ok := store.GetMeta("engine.recoveryTimestamp")
	if !ok || len(v) < 8 {
		return 0, false
	}
	return types.Timestamp(binary.BigEndian.Uint64(v)), true
}
