package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultCapacity bounds a Memory store created with a non-positive size.
const DefaultCapacity = 1000

type entry[T any] struct {
	id       string
	finished time.Time
	seq      uint64
	value    T
}

// Memory is an in-process Store that evicts the oldest items beyond its
// capacity.
type Memory[T any] struct {
	mu       sync.Mutex
	capacity int
	seq      uint64
	entries  map[string]*entry[T]
}

// NewMemory creates a store holding at most capacity items.
func NewMemory[T any](capacity int) *Memory[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory[T]{capacity: capacity, entries: make(map[string]*entry[T])}
}

func (m *Memory[T]) Put(_ context.Context, id string, finished time.Time, v T) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.entries[id] = &entry[T]{id: id, finished: finished, seq: m.seq, value: v}
	for len(m.entries) > m.capacity {
		m.evictOldestLocked()
	}
	return nil
}

func (m *Memory[T]) Get(_ context.Context, id string) (T, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		var zero T
		return zero, false, nil
	}
	return e.value, true, nil
}

func (m *Memory[T]) List(_ context.Context, limit int) ([]T, error) {
	m.mu.Lock()
	sorted := m.sortedLocked()
	m.mu.Unlock()

	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}
	out := make([]T, len(sorted))
	for i, e := range sorted {
		out[i] = e.value
	}
	return out, nil
}

func (m *Memory[T]) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.entries {
		if e.finished.Before(before) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored items.
func (m *Memory[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// sortedLocked orders entries newest first; later puts win ties.
func (m *Memory[T]) sortedLocked() []*entry[T] {
	out := make([]*entry[T], 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].finished.Equal(out[j].finished) {
			return out[i].finished.After(out[j].finished)
		}
		return out[i].seq > out[j].seq
	})
	return out
}

func (m *Memory[T]) evictOldestLocked() {
	var oldest *entry[T]
	for _, e := range m.entries {
		if oldest == nil || e.finished.Before(oldest.finished) || (e.finished.Equal(oldest.finished) && e.seq < oldest.seq) {
			oldest = e
		}
	}
	if oldest != nil {
		delete(m.entries, oldest.id)
	}
}
