package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/dgnsrekt/speakahead/internal/synth"
)

var (
	// ErrQueueClosed is returned when operations are attempted on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrDuplicateKey is returned when a key is already queued
	ErrDuplicateKey = errors.New("key already queued")
)

// Order selects how jobs of equal priority are ranked.
type Order int

const (
	// OrderBySubmission ranks jobs first in, first out.
	OrderBySubmission Order = iota

	// OrderBySegment ranks jobs by segment index, nearest the cursor first.
	OrderBySegment
)

func (o Order) String() string {
	if o == OrderBySegment {
		return "segment"
	}
	return "submission"
}

// Stats tracks queue activity.
type Stats struct {
	TotalPushed   int64
	TotalPopped   int64
	TotalRemoved  int64
	TotalPromoted int64
	CurrentSize   int
	PeakSize      int
	Order         Order
	LastPush      time.Time
	LastPop       time.Time
}

// Queue is a keyed priority queue. It is safe for concurrent use.
type Queue[T any] struct {
	mu     sync.Mutex
	items  itemHeap[T]
	byKey  map[string]*item[T]
	seq    uint64
	closed bool
	stats  Stats
}

// New creates an empty queue ranked by submission order.
func New[T any]() *Queue[T] {
	q := &Queue[T]{byKey: make(map[string]*item[T])}
	heap.Init(&q.items)
	return q
}

// Push adds value under key. Keys are unique while queued.
func (q *Queue[T]) Push(key string, priority synth.Priority, segment int, value T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.byKey[key]; ok {
		return ErrDuplicateKey
	}

	q.seq++
	it := &item[T]{
		key:      key,
		priority: priority,
		segment:  segment,
		seq:      q.seq,
		value:    value,
	}
	heap.Push(&q.items, it)
	q.byKey[key] = it

	q.stats.TotalPushed++
	q.stats.LastPush = time.Now()
	if n := q.items.Len(); n > q.stats.PeakSize {
		q.stats.PeakSize = n
	}
	return nil
}

// Pop removes and returns the highest ranked job. It does not block.
func (q *Queue[T]) Pop() (string, T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.closed || q.items.Len() == 0 {
		return "", zero, false
	}

	it := heap.Pop(&q.items).(*item[T])
	delete(q.byKey, it.key)
	q.stats.TotalPopped++
	q.stats.LastPop = time.Now()
	return it.key, it.value, true
}

// Peek returns the key of the next job without removing it.
func (q *Queue[T]) Peek() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return "", false
	}
	return q.items.entries[0].key, true
}

// Remove drops a queued job.
func (q *Queue[T]) Remove(key string) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	it, ok := q.byKey[key]
	if !ok {
		return zero, false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byKey, key)
	q.stats.TotalRemoved++
	return it.value, true
}

// Promote raises a queued job to priority. Lowering is ignored.
func (q *Queue[T]) Promote(key string, priority synth.Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byKey[key]
	if !ok || priority <= it.priority {
		return false
	}
	it.priority = priority
	heap.Fix(&q.items, it.index)
	q.stats.TotalPromoted++
	return true
}

// SetOrder changes how equal-priority jobs are ranked and reorders the
// pending jobs accordingly.
func (q *Queue[T]) SetOrder(order Order) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.order == order {
		return
	}
	q.items.order = order
	heap.Init(&q.items)
}

// Order returns the current ranking.
func (q *Queue[T]) Order() Order {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.order
}

// Contains reports whether key is queued.
func (q *Queue[T]) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byKey[key]
	return ok
}

// Size returns the number of queued jobs.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Keys returns the queued keys in the order they would be popped.
func (q *Queue[T]) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Pop from copies so indexes in the live heap stay intact.
	clone := itemHeap[T]{order: q.items.order, entries: make([]*item[T], len(q.items.entries))}
	for i, it := range q.items.entries {
		cp := *it
		clone.entries[i] = &cp
	}

	keys := make([]string, 0, clone.Len())
	for clone.Len() > 0 {
		keys = append(keys, heap.Pop(&clone).(*item[T]).key)
	}
	return keys
}

// Clear removes every queued job and returns their values.
func (q *Queue[T]) Clear() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	values := make([]T, 0, q.items.Len())
	for _, it := range q.items.entries {
		values = append(values, it.value)
	}
	q.stats.TotalRemoved += int64(len(values))
	q.items.entries = nil
	q.byKey = make(map[string]*item[T])
	return values
}

// Stats returns current queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := q.stats
	stats.CurrentSize = q.items.Len()
	stats.Order = q.items.order
	return stats
}

// Close rejects further pushes and drops everything queued.
func (q *Queue[T]) Close() []T {
	values := q.Clear()

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return values
}

type item[T any] struct {
	key      string
	priority synth.Priority
	segment  int
	seq      uint64
	value    T
	index    int // Index in the heap
}

type itemHeap[T any] struct {
	entries []*item[T]
	order   Order
}

func (h itemHeap[T]) Len() int { return len(h.entries) }

func (h itemHeap[T]) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	// Higher priority items come first
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if h.order == OrderBySegment && a.segment != b.segment {
		return a.segment < b.segment
	}
	return a.seq < b.seq
}

func (h itemHeap[T]) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *itemHeap[T]) Push(x any) {
	it := x.(*item[T])
	it.index = len(h.entries)
	h.entries = append(h.entries, it)
}

func (h *itemHeap[T]) Pop() any {
	old := h.entries
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // Avoid memory leak
	it.index = -1
	h.entries = old[:n-1]
	return it
}
