package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeCursor struct {
	uri       string
	invalidated bool
}

func (f *fakeCursor) URI() string { return f.uri }
func (f *fakeCursor) Invalidate() { f.invalidated = true }

func TestAcquireReleaseReusesSession(t *testing.T) {
	c := New()
	h1 := c.AcquireSession()
	id1 := h1.session.id
	h1.Release()

	h2 := c.AcquireSession()
	assert.Equal(t, id1, h2.session.id)
	assert.Equal(t, 1, c.SessionCount())
}

func TestCloseAllCursorsInvalidatesIdleSessionsOnly(t *testing.T) {
	c := New()
	h1 := c.AcquireSession()
	h2 := c.AcquireSession()

	cur1 := &fakeCursor{uri: "table:t1"}
	cur2 := &fakeCursor{uri: "table:t1"}
	cur3 := &fakeCursor{uri: "table:t2"}
	h1.RegisterCursor(1, cur1)
	h2.RegisterCursor(2, cur2)
	h2.RegisterCursor(3, cur3)

	// h1 is returned to the pool (idle); h2 stays checked out.
	h1.Release()

	c.CloseAllCursors("table:t1")

	assert.True(t, cur1.invalidated, "cursor on an idle session is reaped")
	assert.False(t, cur2.invalidated, "cursor on a checked-out session survives")
	assert.False(t, cur3.invalidated)
	assert.True(t, c.HasOpenCursors("table:t1"), "h2's cursor still shows up in the liveness scan")
	assert.True(t, c.HasOpenCursors("table:t2"))
}

func TestSweepIdleSessionsOnlyEvictsEmptyIdleOnes(t *testing.T) {
	c := New()
	h1 := c.AcquireSession()
	h1.RegisterCursor(1, &fakeCursor{uri: "table:busy"})
	h2 := c.AcquireSession()
	h1.Release()
	h2.Release()

	// Release stamps lastUsed, so both sessions are backdated afterwards.
	h1.session.lastUsed = time.Now().Add(-time.Hour)
	h2.session.lastUsed = time.Now().Add(-time.Hour)

	swept := c.SweepIdleSessions(time.Minute)
	assert.Equal(t, 1, swept)
	assert.Equal(t, 1, c.SessionCount())
}
