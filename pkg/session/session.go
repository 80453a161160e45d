// Package session implements the pool of engine sessions and the per-session
// cursor registry that IdentRegistry's drop path and the cursor sweeper both
// consult.
package session

import (
	"sync"
	"time"
)

// CursorHandle is the minimal shape a cached cursor must expose: the uri it
// reads from and a way to invalidate it in place.
type CursorHandle interface {
	URI() string
	Invalidate()
}

type session struct {
	id       uint64
	cursors  map[uint64]CursorHandle
	lastUsed time.Time
	mu       sync.Mutex
}

// Cache is the SessionCache component: a pool of sessions, each holding a
// set of live cursors keyed by an opaque handle id.
type Cache struct {
	mu       sync.Mutex
	sessions map[uint64]*session
	nextID   uint64
	free     []*session
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{sessions: make(map[uint64]*session)}
}

// Handle is returned by AcquireSession; Release returns it to the pool.
type Handle struct {
	cache   *Cache
	session *session
}

// AcquireSession returns a pooled session or constructs a new one.
func (c *Cache) AcquireSession() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s *session
	if n := len(c.free); n > 0 {
		s = c.free[n-1]
		c.free = c.free[:n-1]
	} else {
		c.nextID++
		s = &session{id: c.nextID, cursors: make(map[uint64]CursorHandle)}
		c.sessions[s.id] = s
	}
	s.lastUsed = time.Now()
	return &Handle{cache: c, session: s}
}

// Release returns the session to the pool for reuse.
func (h *Handle) Release() {
	h.cache.mu.Lock()
	defer h.cache.mu.Unlock()
	h.session.lastUsed = time.Now()
	h.cache.free = append(h.cache.free, h.session)
}

// RegisterCursor adds cur to this session's live-cursor set under id,
// called by Engine.OpenCursor when a cursor is opened on this session.
func (h *Handle) RegisterCursor(id uint64, cur CursorHandle) {
	h.session.mu.Lock()
	defer h.session.mu.Unlock()
	h.session.cursors[id] = cur
}

// UnregisterCursor removes a cursor from this session's live-cursor set.
func (h *Handle) UnregisterCursor(id uint64) {
	h.session.mu.Lock()
	defer h.session.mu.Unlock()
	delete(h.session.cursors, id)
}

// CloseAllCursors invalidates every cached cursor naming uri that belongs to
// an idle (pooled, not checked out) session. A cursor held by a session
// that's currently checked out is in active use by some caller and is left
// alone; IdentRegistry's drop path relies on HasOpenCursors seeing it and
// deferring the drop rather than this function racing it closed.
func (c *Cache) CloseAllCursors(uri string) {
	c.mu.Lock()
	idle := make([]*session, len(c.free))
	copy(idle, c.free)
	c.mu.Unlock()

	for _, s := range idle {
		s.mu.Lock()
		for id, cur := range s.cursors {
			if cur.URI() == uri {
				cur.Invalidate()
				delete(s.cursors, id)
			}
		}
		s.mu.Unlock()
	}
}

// HasOpenCursors reports whether any session — checked out or idle — still
// holds a cursor naming uri.
func (c *Cache) HasOpenCursors(uri string) bool {
	c.mu.Lock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		for _, cur := range s.cursors {
			if cur.URI() == uri {
				s.mu.Unlock()
				return true
			}
		}
		s.mu.Unlock()
	}
	return false
}

// SweepIdleSessions closes (evicts from the pool) sessions that have been
// idle longer than maxIdle and hold no live cursors. Run periodically by a
// background sweeper goroutine.
func (c *Cache) SweepIdleSessions(maxIdle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	swept := 0
	kept := c.free[:0]
	for _, s := range c.free {
		s.mu.Lock()
		idle := now.Sub(s.lastUsed) > maxIdle
		empty := len(s.cursors) == 0
		s.mu.Unlock()

		if idle && empty {
			delete(c.sessions, s.id)
			swept++
			continue
		}
		kept = append(kept, s)
	}
	c.free = kept
	return swept
}

// SessionCount reports the number of sessions currently tracked (pooled or
// checked out), chiefly for diagnostics and tests.
func (c *Cache) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
