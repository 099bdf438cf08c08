// ============================================================================
// Analysis Queue - bounded priority queue with overflow eviction
// ============================================================================
//
// Package: internal/scheduler
// File: queue.go
// Purpose: Holds requests waiting for dispatch
//
// Ordering invariant:
//   entries are always sorted by (priority rank desc, enqueue time asc, arrival seq asc)
//   so Pop returns the highest-priority, oldest request.
//
// Overflow:
//   Push at capacity evicts one entry before admitting the new one. The victim is
//   the oldest entry of the lowest queued priority. When the incoming request
//   ranks strictly below everything queued, the incoming request itself is the
//   victim. Push reports the victim so the caller can reject it.
//
// Data structure:
//   a sorted slice. Capacity is small (25 by default), so insertion by binary
//   search plus copy is cheaper than a heap and keeps eviction and removal by id
//   trivial.
//
// The queue is not safe for concurrent use; the Scheduler serializes access.
//
// ============================================================================

package scheduler

import (
	"errors"
	"sort"

	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

// ErrRequestNotFound is returned when a request id is not queued.
var ErrRequestNotFound = errors.New("request not queued")

// DefaultQueueCapacity bounds the queue.
const DefaultQueueCapacity = 25

// Queue is the bounded analysis queue.
type Queue struct {
	capacity int
	entries  []*request
	byID     map[types.RequestID]*request
}

// NewQueue creates an empty queue; capacity <= 0 uses DefaultQueueCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue{
		capacity: capacity,
		entries:  make([]*request, 0, capacity),
		byID:     make(map[types.RequestID]*request, capacity),
	}
}

// less orders a before b.
func less(a, b *request) bool {
	ra, rb := a.rc.Priority.Rank(), b.rc.Priority.Rank()
	if ra != rb {
		return ra > rb
	}
	if !a.enqueuedAt.Equal(b.enqueuedAt) {
		return a.enqueuedAt.Before(b.enqueuedAt)
	}
	return a.seq < b.seq
}

// Push admits req, evicting one entry when the queue is full. It returns the
// rejected request, which may be req itself, or nil when nothing was evicted.
func (q *Queue) Push(req *request) (evicted *request) {
	if len(q.entries) >= q.capacity {
		victim := q.victim()
		if victim == nil || req.rc.Priority.Rank() < victim.rc.Priority.Rank() {
			return req
		}
		q.remove(victim.id)
		evicted = victim
	}

	i := sort.Search(len(q.entries), func(i int) bool { return less(req, q.entries[i]) })
	q.entries = append(q.entries, nil)
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = req
	q.byID[req.id] = req
	return evicted
}

// victim returns the oldest entry among those with the lowest priority.
func (q *Queue) victim() *request {
	if len(q.entries) == 0 {
		return nil
	}
	// entries are sorted, so the lowest rank forms the tail and its first
	// element is the oldest of that rank
	lowest := q.entries[len(q.entries)-1].rc.Priority.Rank()
	i := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].rc.Priority.Rank() <= lowest
	})
	return q.entries[i]
}

// Pop removes and returns the head, or nil when empty.
func (q *Queue) Pop() *request {
	if len(q.entries) == 0 {
		return nil
	}
	head := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	delete(q.byID, head.id)
	return head
}

// Remove deletes the request with id.
func (q *Queue) Remove(id types.RequestID) error {
	if !q.remove(id) {
		return ErrRequestNotFound
	}
	return nil
}

func (q *Queue) remove(id types.RequestID) bool {
	if _, ok := q.byID[id]; !ok {
		return false
	}
	for i, e := range q.entries {
		if e.id == id {
			copy(q.entries[i:], q.entries[i+1:])
			q.entries[len(q.entries)-1] = nil
			q.entries = q.entries[:len(q.entries)-1]
			break
		}
	}
	delete(q.byID, id)
	return true
}

// HasRankAtLeast reports whether any queued entry ranks at or above p.
func (q *Queue) HasRankAtLeast(p types.Priority) bool {
	return len(q.entries) > 0 && q.entries[0].rc.Priority.Rank() >= p.Rank()
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	return len(q.entries)
}

// Capacity returns the configured bound.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Drain removes and returns every entry in dispatch order.
func (q *Queue) Drain() []*request {
	out := q.entries
	q.entries = make([]*request, 0, q.capacity)
	q.byID = make(map[types.RequestID]*request, q.capacity)
	return out
}

// CountByPriority returns queued counts per priority.
func (q *Queue) CountByPriority() map[types.Priority]int {
	out := make(map[types.Priority]int, 4)
	for _, e := range q.entries {
		out[e.rc.Priority]++
	}
	return out
}
