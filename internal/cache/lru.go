package cache

import "container/list"

// recency tracks entries in least-recently-used order. The front of the
// list is the most recently used entry. It is not safe for concurrent use;
// the Store guards it with its own mutex.
type recency struct {
	items    map[Key]*list.Element
	eviction *list.List
	size     int64
}

func newRecency() *recency {
	return &recency{
		items:    make(map[Key]*list.Element),
		eviction: list.New(),
	}
}

func (r *recency) get(key Key) (*Entry, bool) {
	elem, ok := r.items[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*Entry), true
}

// put inserts or replaces an entry and marks it most recently used.
func (r *recency) put(e *Entry) {
	if elem, ok := r.items[e.Key]; ok {
		r.size -= elem.Value.(*Entry).Size
		elem.Value = e
		r.eviction.MoveToFront(elem)
	} else {
		r.items[e.Key] = r.eviction.PushFront(e)
	}
	r.size += e.Size
}

// touch marks key most recently used.
func (r *recency) touch(key Key) {
	if elem, ok := r.items[key]; ok {
		r.eviction.MoveToFront(elem)
	}
}

func (r *recency) remove(key Key) (*Entry, bool) {
	elem, ok := r.items[key]
	if !ok {
		return nil, false
	}
	r.eviction.Remove(elem)
	delete(r.items, key)
	e := elem.Value.(*Entry)
	r.size -= e.Size
	return e, true
}

// oldestFirst returns entries from least to most recently used.
func (r *recency) oldestFirst() []*Entry {
	out := make([]*Entry, 0, len(r.items))
	for elem := r.eviction.Back(); elem != nil; elem = elem.Prev() {
		out = append(out, elem.Value.(*Entry))
	}
	return out
}

func (r *recency) len() int {
	return len(r.items)
}

func (r *recency) reset() {
	r.items = make(map[Key]*list.Element)
	r.eviction.Init()
	r.size = 0
}
