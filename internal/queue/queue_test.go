package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairline/chat-core/internal/protocol"
)

func TestEnqueue_ReplacesExistingEntry(t *testing.T) {
	q := New()

	q.Enqueue("u1", "AmberOwl-0001", protocol.ChatTypeText, protocol.Preferences{})
	q.Enqueue("u1", "SwiftFox-0002", protocol.ChatTypeVideo, protocol.Preferences{})

	require.Equal(t, 1, q.Len(), "re-join must replace, not duplicate")

	e, ok := q.Get("u1")
	require.True(t, ok)
	assert.Equal(t, protocol.ChatTypeVideo, e.ChatType)
	assert.Equal(t, "SwiftFox-0002", e.DisplayHandle)
}

func TestDequeue_AbsentIsNoOp(t *testing.T) {
	q := New()
	assert.False(t, q.Dequeue("ghost"))

	q.Enqueue("u1", "h1", protocol.ChatTypeText, protocol.Preferences{})
	assert.True(t, q.Dequeue("u1"))
	assert.False(t, q.Dequeue("u1"))
	assert.Equal(t, 0, q.Len())
}

func TestPosition_FilteredByChatType(t *testing.T) {
	q := New()
	q.Enqueue("t1", "h1", protocol.ChatTypeText, protocol.Preferences{})
	q.Enqueue("v1", "h2", protocol.ChatTypeVideo, protocol.Preferences{})
	q.Enqueue("t2", "h3", protocol.ChatTypeText, protocol.Preferences{})
	q.Enqueue("v2", "h4", protocol.ChatTypeVideo, protocol.Preferences{})

	// Cross-type entries must not inflate positions.
	assert.Equal(t, 1, q.Position("t1"))
	assert.Equal(t, 2, q.Position("t2"))
	assert.Equal(t, 1, q.Position("v1"))
	assert.Equal(t, 2, q.Position("v2"))
	assert.Equal(t, 0, q.Position("nobody"))
}

func TestSnapshot_PriorityThenFIFO(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	q := New()
	q.SetClock(func() time.Time { return now })

	q.Enqueue("a", "h", protocol.ChatTypeText, protocol.Preferences{})
	now = now.Add(time.Second)
	q.Enqueue("b", "h", protocol.ChatTypeText, protocol.Preferences{})
	now = now.Add(time.Second)
	q.Enqueue("c", "h", protocol.ChatTypeText, protocol.Preferences{})

	snap := q.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{snap[0].Identity, snap[1].Identity, snap[2].Identity})
}

func TestRemovePair_AllOrNothing(t *testing.T) {
	q := New()
	q.Enqueue("a", "h", protocol.ChatTypeText, protocol.Preferences{})
	q.Enqueue("b", "h", protocol.ChatTypeText, protocol.Preferences{})

	// One side already gone: nothing is removed.
	require.True(t, q.Dequeue("b"))
	assert.False(t, q.RemovePair("a", "b"))
	_, ok := q.Get("a")
	assert.True(t, ok, "a must remain queued when the pair removal fails")

	q.Enqueue("b", "h", protocol.ChatTypeText, protocol.Preferences{})
	assert.True(t, q.RemovePair("a", "b"))
	assert.Equal(t, 0, q.Len())
}

func TestEstimatedWait_DecreasesWithRetries(t *testing.T) {
	q := New()
	q.Enqueue("u1", "h", protocol.ChatTypeText, protocol.Preferences{})

	e, _ := q.Get("u1")
	first := e.EstimatedWait()

	var last Entry
	for i := 0; i < 20; i++ {
		last, _ = q.IncrementRetry("u1")
	}

	assert.Less(t, last.EstimatedWait(), first)
	assert.Equal(t, MinEstimatedWait, last.EstimatedWait(), "estimate must floor at the minimum")
}

func TestIncrementRetry_AgesPriority(t *testing.T) {
	q := New()
	q.Enqueue("u1", "h", protocol.ChatTypeText, protocol.Preferences{})

	var e Entry
	for i := 0; i < retriesPerPriorityBump; i++ {
		e, _ = q.IncrementRetry("u1")
	}
	assert.Equal(t, 1, e.Priority)

	// An aged entry outranks a fresh one in the sweep order.
	q.Enqueue("u2", "h", protocol.ChatTypeText, protocol.Preferences{})
	snap := q.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "u1", snap[0].Identity)
}

func TestEvictStale(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	q := New()
	q.SetClock(func() time.Time { return now })

	q.Enqueue("old", "h", protocol.ChatTypeText, protocol.Preferences{})
	now = now.Add(10 * time.Minute)
	q.Enqueue("fresh", "h", protocol.ChatTypeText, protocol.Preferences{})

	evicted := q.EvictStale(5 * time.Minute)
	require.Len(t, evicted, 1)
	assert.Equal(t, "old", evicted[0].Identity)
	assert.Equal(t, 1, q.Len())
}
