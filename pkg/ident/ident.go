// Package ident implements the registry mapping opaque ident strings to
// physical tables: creation, the pending-drop queue for idents whose
// underlying table cannot be dropped immediately, and orphan recovery for
// repair mode.
package ident

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/driftdb/pkg/errs"
	"github.com/cuemby/driftdb/pkg/kvstore"
	"github.com/cuemby/driftdb/pkg/types"
)

const metaPrefix = "ident.cfg."

// SessionHub is the slice of SessionCache that IdentRegistry needs: it must
// know whether a uri still has live cursors, and be able to invalidate them
// before a physical drop proceeds.
type SessionHub interface {
	HasOpenCursors(uri string) bool
	CloseAllCursors(uri string)
}

// NewIdent mints an ident of the given kind ("collection" or "index"),
// producing the documented collection-<seq>-<uuid-suffix> shape.
func NewIdent(kind string, seq uint64) types.Ident {
	suffix := uuid.New().String()[:8]
	return types.Ident(fmt.Sprintf("%s-%d-%s", kind, seq, suffix))
}

// Registry is the IdentRegistry component.
type Registry struct {
	store  *kvstore.Store
	hub    SessionHub
	repair bool

	mu           sync.Mutex
	idents       map[types.Ident]string // ident -> opaque schema config
	pendingDrops []types.Ident
	lastDrain    time.Time
}

// New constructs a Registry backed by store. hub supplies the cursor
// liveness checks the drop path needs. repair enables orphan recovery.
func New(store *kvstore.Store, hub SessionHub, repair bool) *Registry {
	r := &Registry{
		store:  store,
		hub:    hub,
		repair: repair,
		idents: make(map[types.Ident]string),
	}
	store.ForEachMeta(metaPrefix, func(key string, value []byte) {
		r.idents[types.Ident(key[len(metaPrefix):])] = string(value)
	})
	return r
}

// CreateTable creates ident's underlying table, failing with AlreadyExists
// if it is already registered.
func (r *Registry) CreateTable(ident types.Ident, schemaConfig string) error {
	r.mu.Lock()
	if _, ok := r.idents[ident]; ok {
		r.mu.Unlock()
		return errs.New(errs.KindAlreadyExists, "ident.CreateTable", nil)
	}
	r.mu.Unlock()

	if err := r.store.CreateTable(ident); err != nil {
		return err
	}
	if err := r.store.PutMeta(metaPrefix+string(ident), []byte(schemaConfig)); err != nil {
		return err
	}

	r.mu.Lock()
	r.idents[ident] = schemaConfig
	r.mu.Unlock()
	return nil
}

// DropTable attempts an immediate drop. If cursors still reference ident,
// the drop is deferred onto the pending-drop FIFO and the call still
// reports success.
func (r *Registry) DropTable(ident types.Ident) error {
	r.mu.Lock()
	if _, ok := r.idents[ident]; !ok {
		r.mu.Unlock()
		return errs.New(errs.KindNotFound, "ident.DropTable", nil)
	}
	r.mu.Unlock()

	uri := ident.TableURI()
	// CloseAllCursors only reaps cursors sitting idle in pooled sessions; a
	// cursor held by a session that's checked out survives it, so the
	// HasOpenCursors check below still sees it and defers.
	r.hub.CloseAllCursors(uri)

	if r.hub.HasOpenCursors(uri) {
		r.mu.Lock()
		r.pendingDrops = append(r.pendingDrops, ident)
		r.mu.Unlock()
		return nil
	}

	return r.physicalDrop(ident)
}

func (r *Registry) physicalDrop(ident types.Ident) error {
	if err := r.store.DropTable(ident); err != nil && !errs.Is(err, errs.KindNotFound) {
		return err
	}
	if err := r.store.PutMeta(metaPrefix+string(ident), nil); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.idents, ident)
	r.mu.Unlock()
	return nil
}

// HasTable reports whether ident is registered.
func (r *Registry) HasTable(ident types.Ident) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.idents[ident]
	return ok
}

// ListAllIdents returns every registered ident, excluding internal
// metadata tables.
func (r *Registry) ListAllIdents() []types.Ident {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Ident, 0, len(r.idents))
	for id := range r.idents {
		out = append(out, id)
	}
	return out
}

// PendingDropCount reports the length of the deferred-drop queue.
func (r *Registry) PendingDropCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pendingDrops)
}

// DrainPendingDrops attempts to physically drop idents waiting on the
// pending-drop FIFO, up to max(10, 10% of queue) per call, and only if at
// least one second has elapsed since the previous drain. Idents still
// referenced by open cursors are left at the head of the queue.
func (r *Registry) DrainPendingDrops() {
	r.mu.Lock()
	if time.Since(r.lastDrain) < time.Second {
		r.mu.Unlock()
		return
	}
	r.lastDrain = time.Now()
	queue := r.pendingDrops
	if len(queue) == 0 {
		r.mu.Unlock()
		return
	}
	budget := len(queue) / 10
	if budget < 10 {
		budget = 10
	}
	if budget > len(queue) {
		budget = len(queue)
	}
	batch := append([]types.Ident(nil), queue[:budget]...)
	r.mu.Unlock()

	var stillBusy []types.Ident
	for _, ident := range batch {
		uri := ident.TableURI()
		if r.hub.HasOpenCursors(uri) {
			stillBusy = append(stillBusy, ident)
			continue
		}
		if err := r.physicalDrop(ident); err != nil {
			stillBusy = append(stillBusy, ident)
		}
	}

	r.mu.Lock()
	r.pendingDrops = append(stillBusy, r.pendingDrops[budget:]...)
	r.mu.Unlock()
}

// RecoverOrphan is used during repair mode: it renames the ident's data
// aside into a salvage bucket, recreates an empty ident, attempts to
// recover readable records from the salvage copy, and on total failure
// rebuilds an empty ident instead.
func (r *Registry) RecoverOrphan(ident types.Ident) (types.RecoveryOutcome, error) {
	if !r.repair {
		return 0, errs.New(errs.KindInvalidOption, "ident.RecoverOrphan", nil)
	}

	if !r.store.HasTable(ident) {
		if err := r.store.CreateTable(ident); err != nil {
			return 0, err
		}
		r.mu.Lock()
		r.idents[ident] = ""
		r.mu.Unlock()
		return types.OutcomeRebuilt, nil
	}

	// A bbolt bucket rename has no native primitive, so "moving the file
	// aside" is approximated by copying out what is readable before the
	// bucket is replaced and writing it back into the new bucket.
	var salvaged []kvstore.Mutation
	snap, err := r.store.OpenSnapshot()
	if err == nil {
		_ = snap.ForEach(ident, false, func(id types.RecordID, data []byte) bool {
			buf := make([]byte, len(data))
			copy(buf, data)
			salvaged = append(salvaged, kvstore.Mutation{Ident: ident, ID: id, Data: buf})
			return true
		})
		snap.Close()
	}

	if err := r.store.DropTable(ident); err != nil {
		return 0, err
	}

	if err := r.store.CreateTable(ident); err != nil {
		return 0, err
	}
	if len(salvaged) > 0 {
		if _, err := r.store.ApplyDirect(salvaged); err != nil {
			return 0, err
		}
	}

	r.mu.Lock()
	r.idents[ident] = ""
	r.mu.Unlock()

	if len(salvaged) > 0 {
		return types.OutcomeDataModifiedByRepair, nil
	}
	return types.OutcomeRebuilt, nil
}
