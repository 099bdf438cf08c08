package scheduler

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newReq(id string, p types.Priority, seq uint64) *request {
	return &request{
		id:         types.RequestID(id),
		rc:         types.RequestContext{Priority: p},
		enqueuedAt: epoch.Add(time.Duration(seq) * time.Millisecond),
		seq:        seq,
		done:       make(chan outcome, 1),
	}
}

func popAll(q *Queue) []string {
	var out []string
	for r := q.Pop(); r != nil; r = q.Pop() {
		out = append(out, string(r.id))
	}
	return out
}

func TestQueue_OrdersByPriorityThenArrival(t *testing.T) {
	q := NewQueue(10)
	pushes := []struct {
		id string
		p  types.Priority
	}{
		{"low-1", types.PriorityLow},
		{"med-1", types.PriorityMedium},
		{"high-1", types.PriorityHigh},
		{"low-2", types.PriorityLow},
		{"med-2", types.PriorityMedium},
		{"high-2", types.PriorityHigh},
	}
	for i, p := range pushes {
		require.Nil(t, q.Push(newReq(p.id, p.p, uint64(i))))
	}

	assert.Equal(t, []string{"high-1", "high-2", "med-1", "med-2", "low-1", "low-2"}, popAll(q))
	assert.Nil(t, q.Pop())
}

func TestQueue_RequeuedRequestKeepsItsPosition(t *testing.T) {
	q := NewQueue(10)
	first := newReq("first", types.PriorityMedium, 1)
	q.Push(newReq("second", types.PriorityMedium, 2))
	q.Push(newReq("third", types.PriorityMedium, 3))

	// a retried request re-enters with its original enqueue time
	require.Nil(t, q.Push(first))
	assert.Equal(t, []string{"first", "second", "third"}, popAll(q))
}

func TestQueue_OverflowEvictsOldestLowest(t *testing.T) {
	q := NewQueue(3)
	q.Push(newReq("high", types.PriorityHigh, 1))
	q.Push(newReq("low-old", types.PriorityLow, 2))
	q.Push(newReq("low-new", types.PriorityLow, 3))

	evicted := q.Push(newReq("medium", types.PriorityMedium, 4))
	require.NotNil(t, evicted)
	assert.Equal(t, "low-old", string(evicted.id))
	assert.Equal(t, 3, q.Len())
	assert.ErrorIs(t, q.Remove("low-old"), ErrRequestNotFound)
	assert.Equal(t, []string{"high", "medium", "low-new"}, popAll(q))
}

func TestQueue_OverflowSameRankEvictsOldest(t *testing.T) {
	q := NewQueue(DefaultQueueCapacity)
	for i := 0; i < DefaultQueueCapacity; i++ {
		require.Nil(t, q.Push(newReq(fmt.Sprintf("r%02d", i), types.PriorityMedium, uint64(i))))
	}

	evicted := q.Push(newReq("r25", types.PriorityMedium, 25))
	require.NotNil(t, evicted)
	assert.Equal(t, "r00", string(evicted.id))
	assert.Equal(t, DefaultQueueCapacity, q.Len())
}

func TestQueue_OverflowRejectsIncomingWhenLowest(t *testing.T) {
	q := NewQueue(2)
	q.Push(newReq("h1", types.PriorityHigh, 1))
	q.Push(newReq("h2", types.PriorityHigh, 2))

	incoming := newReq("low", types.PriorityLow, 3)
	assert.Same(t, incoming, q.Push(incoming))
	assert.Equal(t, []string{"h1", "h2"}, popAll(q))
}

func TestQueue_Remove(t *testing.T) {
	q := NewQueue(5)
	q.Push(newReq("a", types.PriorityLow, 1))
	q.Push(newReq("b", types.PriorityLow, 2))

	require.NoError(t, q.Remove("a"))
	assert.ErrorIs(t, q.Remove("a"), ErrRequestNotFound)
	assert.Equal(t, []string{"b"}, popAll(q))
}

func TestQueue_HasRankAtLeastAndCounts(t *testing.T) {
	q := NewQueue(0)
	assert.Equal(t, DefaultQueueCapacity, q.Capacity())
	assert.False(t, q.HasRankAtLeast(types.PriorityLow))

	q.Push(newReq("m", types.PriorityMedium, 1))
	q.Push(newReq("l", types.PriorityLow, 2))

	assert.True(t, q.HasRankAtLeast(types.PriorityMedium))
	assert.False(t, q.HasRankAtLeast(types.PriorityHigh))
	assert.Equal(t, map[types.Priority]int{types.PriorityMedium: 1, types.PriorityLow: 1}, q.CountByPriority())

	drained := q.Drain()
	assert.Len(t, drained, 2)
	assert.Zero(t, q.Len())
}
