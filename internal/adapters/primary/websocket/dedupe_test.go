package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeWindow_Seen(t *testing.T) {
	d := newDedupeWindow(4)

	assert.False(t, d.Seen(10))
	assert.True(t, d.Seen(10))
	assert.False(t, d.Seen(12))

	// Late, out of order, above the floor: delivered once
	assert.False(t, d.Seen(11))
	assert.True(t, d.Seen(11))
}

func TestDedupeWindow_FloorFromLastEventID(t *testing.T) {
	d := newDedupeWindow(4)
	d.Advance(50)

	assert.True(t, d.Seen(50))
	assert.True(t, d.Seen(3))
	assert.False(t, d.Seen(51))
	assert.Equal(t, int64(50), d.Floor())
}

func TestDedupeWindow_EvictionRaisesFloor(t *testing.T) {
	d := newDedupeWindow(3)
	for _, id := range []int64{5, 7, 9, 11} {
		assert.False(t, d.Seen(id))
	}

	assert.Equal(t, int64(5), d.Floor())
	assert.Len(t, d.recent, 3)

	assert.True(t, d.Seen(5), "evicted ids stay suppressed by the floor")
	assert.True(t, d.Seen(4))
	assert.True(t, d.Seen(9))
	assert.False(t, d.Seen(6))
}

func TestDedupeWindow_AdvanceDropsCoveredIDs(t *testing.T) {
	d := newDedupeWindow(8)
	d.Seen(3)
	d.Seen(4)
	d.Seen(9)

	d.Advance(5)
	assert.Len(t, d.recent, 1)
	assert.True(t, d.Seen(4))
	assert.True(t, d.Seen(9))

	d.Advance(2)
	assert.Equal(t, int64(5), d.Floor())
}
