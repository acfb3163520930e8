package cache

import (
	"context"
	"sync"
	"time"
)

// Tx stages index changes inside Index.Apply.
type Tx interface {
	Put(e Entry) error
	Delete(key Key) error
}

// Index is the persistent record of committed cache entries.
//
// Apply runs fn inside a single transaction. File system work performed by
// fn is part of that transaction: if fn returns an error every staged
// change is discarded, otherwise all of them become durable together.
type Index interface {
	Load(ctx context.Context) ([]Entry, error)
	Apply(ctx context.Context, fn func(tx Tx) error) error
	Touch(ctx context.Context, key Key, at time.Time) error
	Close() error
}

// MemoryIndex is an Index that lives only for the lifetime of the process.
// It is used in tests and when no index file is configured.
type MemoryIndex struct {
	mu      sync.Mutex
	entries map[Key]Entry
	closed  bool
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[Key]Entry)}
}

// Load returns a snapshot of every entry.
func (m *MemoryIndex) Load(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrCacheClosed
	}

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

type memoryTx struct {
	puts    map[Key]Entry
	deletes map[Key]struct{}
}

func (tx *memoryTx) Put(e Entry) error {
	delete(tx.deletes, e.Key)
	tx.puts[e.Key] = e
	return nil
}

func (tx *memoryTx) Delete(key Key) error {
	delete(tx.puts, key)
	tx.deletes[key] = struct{}{}
	return nil
}

// Apply runs fn and applies its staged changes only if it succeeds.
func (m *MemoryIndex) Apply(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrCacheClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		puts:    make(map[Key]Entry),
		deletes: make(map[Key]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for key := range tx.deletes {
		delete(m.entries, key)
	}
	for key, e := range tx.puts {
		m.entries[key] = e
	}
	return nil
}

// Touch records a use of key.
func (m *MemoryIndex) Touch(ctx context.Context, key Key, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok {
		e.LastUsed = at
		m.entries[key] = e
	}
	return nil
}

// Close marks the index closed.
func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
