// Package kvstore is the physical table engine underneath the storage
// durability core. It wraps a single bbolt database: one bucket per ident,
// bbolt's own read transactions supplying the page-level MVCC snapshot that
// pkg/recovery rides on, and an optimistic per-key commit-counter check
// layered on top so that two concurrent logical writers can be told apart
// even though bbolt itself only ever allows one physical writer at a time.
package kvstore

import (
	"encoding/binary"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/cuemby/driftdb/pkg/errs"
	"github.com/cuemby/driftdb/pkg/types"
)

// metaBucket holds engine-level bookkeeping: the ident->config map and the
// checkpoint metadata record. It is excluded from IdentRegistry listings.
var metaBucket = []byte("__driftdb_meta__")

// Mutation is a single buffered write: a nil Data means delete.
type Mutation struct {
	Ident types.Ident
	ID    types.RecordID
	Data  []byte
}

// Store is the bbolt-backed table engine.
type Store struct {
	db *bbolt.DB

	mu         sync.Mutex // guards lastWriter and commitCounter
	commitCtr  uint64
	lastWriter map[types.Ident]map[types.RecordID]uint64
}

// Open opens (creating if necessary) the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.New(errs.KindOther, "kvstore.Open", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errs.New(errs.KindOther, "kvstore.Open", err)
	}
	return &Store{
		db:         db,
		lastWriter: make(map[types.Ident]map[types.RecordID]uint64),
	}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTable creates a bucket for ident if it does not already exist.
func (s *Store) CreateTable(ident types.Ident) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucket([]byte(ident))
		if err == bbolt.ErrBucketExists {
			return errs.New(errs.KindAlreadyExists, "kvstore.CreateTable", nil)
		}
		return err
	})
}

// DropTable deletes the bucket for ident. Returns KindBusy if bbolt cannot
// complete the drop immediately (currently bbolt never reports this for a
// plain bucket delete, but the seam exists for IdentRegistry's deferred
// drop to consult).
func (s *Store) DropTable(ident types.Ident) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(ident))
		if err == bbolt.ErrBucketNotFound {
			return errs.New(errs.KindNotFound, "kvstore.DropTable", nil)
		}
		return err
	})
}

// HasTable reports whether ident's bucket exists.
func (s *Store) HasTable(ident types.Ident) bool {
	found := false
	_ = s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket([]byte(ident)) != nil
		return nil
	})
	return found
}

// Snapshot is a read-only view of the store, backed directly by a bbolt
// read transaction. It must be closed (Close) to release bbolt's page
// reference; unclosed snapshots pin old pages from reclamation, the same
// hazard a long-lived WiredTiger cursor poses.
type Snapshot struct {
	tx      *bbolt.Tx
	Counter uint64 // commit counter as of the moment this snapshot opened
}

// OpenSnapshot begins a read-only bbolt transaction and records the commit
// counter at that instant, giving RecoveryUnit a stable point of reference
// for optimistic conflict checking at commit time.
func (s *Store) OpenSnapshot() (*Snapshot, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, errs.New(errs.KindOther, "kvstore.OpenSnapshot", err)
	}
	s.mu.Lock()
	ctr := s.commitCtr
	s.mu.Unlock()
	return &Snapshot{tx: tx, Counter: ctr}, nil
}

// Close releases the snapshot's bbolt transaction.
func (s *Snapshot) Close() error {
	return s.tx.Rollback()
}

// Get reads ident/id as of the snapshot. Returns KindNotFound if absent.
func (s *Snapshot) Get(ident types.Ident, id types.RecordID) ([]byte, error) {
	b := s.tx.Bucket([]byte(ident))
	if b == nil {
		return nil, errs.New(errs.KindNotFound, "kvstore.Get", nil)
	}
	v := b.Get(encodeKey(id))
	if v == nil {
		return nil, errs.New(errs.KindNotFound, "kvstore.Get", nil)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// ForEach iterates ident's records in key order (ascending RecordID, or
// descending when reverse is set), invoking fn until it returns false or
// iteration ends.
func (s *Snapshot) ForEach(ident types.Ident, reverse bool, fn func(id types.RecordID, data []byte) bool) error {
	b := s.tx.Bucket([]byte(ident))
	if b == nil {
		return errs.New(errs.KindNotFound, "kvstore.ForEach", nil)
	}
	c := b.Cursor()
	var k, v []byte
	if reverse {
		k, v = c.Last()
	} else {
		k, v = c.First()
	}
	for ; k != nil; func() {
		if reverse {
			k, v = c.Prev()
		} else {
			k, v = c.Next()
		}
	}() {
		if !fn(decodeKey(k), v) {
			return nil
		}
	}
	return nil
}

// CommitBatch validates muts against writes that landed after snapshotCtr
// and, if none conflict, applies all mutations atomically and bumps the
// commit counter. It returns the new commit counter on success.
func (s *Store) CommitBatch(muts []Mutation, snapshotCtr uint64) (uint64, error) {
	s.mu.Lock()
	for _, m := range muts {
		perIdent := s.lastWriter[m.Ident]
		if perIdent == nil {
			continue
		}
		if last, ok := perIdent[m.ID]; ok && last > snapshotCtr {
			s.mu.Unlock()
			return 0, errs.New(errs.KindWriteConflict, "kvstore.CommitBatch", nil)
		}
	}
	newCtr := s.commitCtr + 1
	s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, m := range muts {
			b, err := tx.CreateBucketIfNotExists([]byte(m.Ident))
			if err != nil {
				return err
			}
			key := encodeKey(m.ID)
			if m.Data == nil {
				if err := b.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(key, m.Data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, errs.New(errs.KindOther, "kvstore.CommitBatch", err)
	}

	s.mu.Lock()
	s.commitCtr = newCtr
	for _, m := range muts {
		perIdent := s.lastWriter[m.Ident]
		if perIdent == nil {
			perIdent = make(map[types.RecordID]uint64)
			s.lastWriter[m.Ident] = perIdent
		}
		perIdent[m.ID] = newCtr
	}
	s.mu.Unlock()

	return newCtr, nil
}

// ApplyDirect applies muts atomically without OCC validation, bumping the
// commit counter as an ordinary commit would. Used by rollback-to-stable
// to replay undo mutations, which by construction must win regardless of
// any intervening commit counter state.
func (s *Store) ApplyDirect(muts []Mutation) (uint64, error) {
	s.mu.Lock()
	newCtr := s.commitCtr + 1
	s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, m := range muts {
			b, err := tx.CreateBucketIfNotExists([]byte(m.Ident))
			if err != nil {
				return err
			}
			key := encodeKey(m.ID)
			if m.Data == nil {
				if err := b.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(key, m.Data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, errs.New(errs.KindOther, "kvstore.ApplyDirect", err)
	}

	s.mu.Lock()
	s.commitCtr = newCtr
	for _, m := range muts {
		perIdent := s.lastWriter[m.Ident]
		if perIdent == nil {
			perIdent = make(map[types.RecordID]uint64)
			s.lastWriter[m.Ident] = perIdent
		}
		perIdent[m.ID] = newCtr
	}
	s.mu.Unlock()

	return newCtr, nil
}

// PutMeta/GetMeta persist small engine-level records (ident config strings,
// checkpoint metadata) in the reserved metadata bucket.
func (s *Store) PutMeta(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte(key), value)
	})
}

// GetMeta reads a previously-stored metadata record.
func (s *Store) GetMeta(key string) ([]byte, bool) {
	var out []byte
	_ = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(metaBucket).Get([]byte(key))
		if v != nil {
			out = make([]byte, len(v))
			copy(out, v)
		}
		return nil
	})
	return out, out != nil
}

// ForEachMeta iterates every key/value in the metadata bucket under the
// given prefix.
func (s *Store) ForEachMeta(prefix string, fn func(key string, value []byte)) {
	_ = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(metaBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			fn(string(k), v)
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func encodeKey(id types.RecordID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func decodeKey(b []byte) types.RecordID {
	return types.RecordID(binary.BigEndian.Uint64(b))
}

// CommitCounter returns the current global commit counter, chiefly for
// tests and diagnostics.
func (s *Store) CommitCounter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitCtr
}
