package tscoord

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/driftdb/pkg/errs"
	"github.com/cuemby/driftdb/pkg/types"
)

func TestOldestLagsStableByWindow(t *testing.T) {
	c := New(10)

	require.NoError(t, c.SetStableTimestamp(types.NewTimestamp(1000, 0), false))
	assert.Equal(t, uint32(990), c.OldestTimestamp().Seconds())

	require.NoError(t, c.SetStableTimestamp(types.NewTimestamp(1005, 0), false))
	assert.Equal(t, uint32(995), c.OldestTimestamp().Seconds())
}

func TestZeroWindowOldestTracksStable(t *testing.T) {
	c := New(0)
	require.NoError(t, c.SetStableTimestamp(types.NewTimestamp(50, 0), false))
	assert.Equal(t, types.NewTimestamp(50, 0), c.OldestTimestamp())
}

func TestStableRejectsRegressionWithoutForce(t *testing.T) {
	c := New(0)
	require.NoError(t, c.SetStableTimestamp(types.NewTimestamp(100, 0), false))

	err := c.SetStableTimestamp(types.NewTimestamp(50, 0), false)
	assert.True(t, errs.Is(err, errs.KindInvalidOption))
	assert.Equal(t, uint32(100), c.StableTimestamp().Seconds())
}

func TestForceSetsAllThreeAndBumpsFloor(t *testing.T) {
	c := New(10)
	require.NoError(t, c.SetStableTimestamp(types.NewTimestamp(200, 0), true))

	assert.Equal(t, types.NewTimestamp(200, 0), c.StableTimestamp())
	assert.Equal(t, types.NewTimestamp(200, 0), c.OldestTimestamp())
	assert.Equal(t, types.NewTimestamp(200, 0), c.InitialDataTimestamp())

	allDurable := c.GetAllDurableTimestamp(types.NewTimestamp(0, 0))
	assert.Equal(t, types.NewTimestamp(200, 0), allDurable)
}

func TestAllDurableNeverRegresses(t *testing.T) {
	c := New(0)
	first := c.GetAllDurableTimestamp(types.NewTimestamp(100, 0))
	assert.Equal(t, types.NewTimestamp(100, 0), first)

	second := c.GetAllDurableTimestamp(types.NewTimestamp(50, 0))
	assert.Equal(t, types.NewTimestamp(100, 0), second)
}

func TestOldestMonotonicWithoutForce(t *testing.T) {
	c := New(0)
	require.NoError(t, c.SetOldestTimestamp(types.NewTimestamp(10, 0), false))
	err := c.SetOldestTimestamp(types.NewTimestamp(5, 0), false)
	assert.True(t, errs.Is(err, errs.KindInvalidOption))
}
