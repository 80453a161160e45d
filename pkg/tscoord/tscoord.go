// Package tscoord publishes and coordinates the three timestamps that
// govern what data is visible and what may be rolled back: oldest, stable,
// and initial-data. It also derives the all-durable timestamp from engine
// state, enforcing a monotonic floor across calls.
package tscoord

import (
	"sync/atomic"

	"github.com/cuemby/driftdb/pkg/errs"
	"github.com/cuemby/driftdb/pkg/types"
)

// Coordinator holds the authoritative timestamp values for one engine.
type Coordinator struct {
	oldest      atomic.Uint64
	stable      atomic.Uint64
	initialData atomic.Uint64
	durableFloor atomic.Uint64

	historyWindowSec uint32
}

// New constructs a Coordinator with the given history window, in seconds.
// A window of zero means oldest tracks stable exactly.
func New(historyWindowSec uint32) *Coordinator {
	return &Coordinator{historyWindowSec: historyWindowSec}
}

// StableTimestamp returns the current stable timestamp.
func (c *Coordinator) StableTimestamp() types.Timestamp {
	return types.Timestamp(c.stable.Load())
}

// OldestTimestamp returns the current oldest timestamp.
func (c *Coordinator) OldestTimestamp() types.Timestamp {
	return types.Timestamp(c.oldest.Load())
}

// InitialDataTimestamp returns the current initial-data timestamp.
func (c *Coordinator) InitialDataTimestamp() types.Timestamp {
	return types.Timestamp(c.initialData.Load())
}

// SetStableTimestamp publishes t as the new stable timestamp. Without
// force, t must be >= the current stable timestamp; with force, oldest,
// stable and initial-data are all set to exactly t and the all-durable
// floor is bumped.
func (c *Coordinator) SetStableTimestamp(t types.Timestamp, force bool) error {
	if force {
		c.oldest.Store(uint64(t))
		c.stable.Store(uint64(t))
		c.initialData.Store(uint64(t))
		c.bumpDurableFloor(t)
		return nil
	}
	for {
		cur := c.stable.Load()
		if uint64(t) < cur {
			return errs.New(errs.KindInvalidOption, "tscoord.SetStableTimestamp", nil)
		}
		if c.stable.CompareAndSwap(cur, uint64(t)) {
			break
		}
	}
	c.AdvanceOldestFromStable()
	return nil
}

// SetOldestTimestamp publishes t as the new oldest timestamp. Without
// force, t must be >= the current oldest timestamp; with force, the value
// is set to exactly t and the all-durable floor is bumped.
func (c *Coordinator) SetOldestTimestamp(t types.Timestamp, force bool) error {
	if force {
		c.oldest.Store(uint64(t))
		c.bumpDurableFloor(t)
		return nil
	}
	for {
		cur := c.oldest.Load()
		if uint64(t) < cur {
			return errs.New(errs.KindInvalidOption, "tscoord.SetOldestTimestamp", nil)
		}
		if c.oldest.CompareAndSwap(cur, uint64(t)) {
			return nil
		}
	}
}

// SetInitialDataTimestamp sets the initial-data timestamp to exactly t.
// Unlike oldest/stable this may move backward, used only during startup
// or rollback.
func (c *Coordinator) SetInitialDataTimestamp(t types.Timestamp) {
	c.initialData.Store(uint64(t))
}

// AdvanceOldestFromStable computes t' = stable - historyWindow and
// advances oldest to t' if that is an improvement. With a zero window,
// oldest tracks stable exactly.
func (c *Coordinator) AdvanceOldestFromStable() {
	stable := types.Timestamp(c.stable.Load())
	var candidate types.Timestamp
	if c.historyWindowSec == 0 {
		candidate = stable
	} else {
		secs := stable.Seconds()
		if secs < c.historyWindowSec {
			return
		}
		candidate = types.NewTimestamp(secs-c.historyWindowSec, stable.Increment())
	}
	for {
		cur := c.oldest.Load()
		if uint64(candidate) <= cur {
			return
		}
		if c.oldest.CompareAndSwap(cur, uint64(candidate)) {
			return
		}
	}
}

// GetAllDurableTimestamp returns the engine's current all-durable value,
// derived from the supplied lowestActiveCommit (the smallest in-flight
// commit timestamp, or stable if none are in flight), floored at the
// value previously published via a forced timestamp change.
func (c *Coordinator) GetAllDurableTimestamp(lowestActiveCommit types.Timestamp) types.Timestamp {
	floor := c.durableFloor.Load()
	val := lowestActiveCommit
	if uint64(val) < floor {
		val = types.Timestamp(floor)
	}
	for {
		cur := c.durableFloor.Load()
		if uint64(val) <= cur {
			return types.Timestamp(cur)
		}
		if c.durableFloor.CompareAndSwap(cur, uint64(val)) {
			return val
		}
	}
}

func (c *Coordinator) bumpDurableFloor(t types.Timestamp) {
	for {
		cur := c.durableFloor.Load()
		if uint64(t) <= cur {
			return
		}
		if c.durableFloor.CompareAndSwap(cur, uint64(t)) {
			return
		}
	}
}
