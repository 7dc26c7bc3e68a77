package queue

import (
	"context"
	"fmt"
	"strings"
)

// Index is the ordering index over pending job file names. It is a cache
// over the pending directory listing, never a second source of truth: Open
// and Reconcile validate it against the listing and repair it.
type Index interface {
	// Load returns the persisted entries in dequeue order.
	Load(ctx context.Context) ([]string, error)
	// Append adds names at the tail.
	Append(ctx context.Context, names ...string) error
	// PopFront removes and returns the head; ok is false when empty.
	PopFront(ctx context.Context) (name string, ok bool, err error)
	// PushFront puts name back at the head, undoing a PopFront.
	PushFront(ctx context.Context, name string) error
	// Remove drops name wherever it is; removed reports whether it was present.
	Remove(ctx context.Context, name string) (removed bool, err error)
	// Replace overwrites the whole index.
	Replace(ctx context.Context, names []string) error
	// Len is the number of entries.
	Len() int
	Close() error
}

// IndexKind selects an Index implementation.
type IndexKind string

const (
	// IndexMemory rebuilds the index from the sorted pending listing at open.
	IndexMemory IndexKind = "memory"
	// IndexLog persists the index as a line log next to the state directories.
	IndexLog IndexKind = "log"
	// IndexSQLite persists the index in a SQLite table.
	IndexSQLite IndexKind = "sqlite"
)

// ParseIndexKind validates a configured index kind.
func ParseIndexKind(s string) (IndexKind, error) {
	switch k := IndexKind(strings.ToLower(strings.TrimSpace(s))); k {
	case IndexMemory, IndexLog, IndexSQLite:
		return k, nil
	case "":
		return IndexMemory, nil
	}
	return "", fmt.Errorf("unknown index kind %q (want memory, log or sqlite)", s)
}

// memoryIndex keeps the order in a slice owned by one Queue.
type memoryIndex struct {
	names []string
}

func newMemoryIndex() *memoryIndex { return &memoryIndex{} }

func (m *memoryIndex) Load(context.Context) ([]string, error) {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out, nil
}

func (m *memoryIndex) Append(_ context.Context, names ...string) error {
	m.names = append(m.names, names...)
	return nil
}

func (m *memoryIndex) PopFront(context.Context) (string, bool, error) {
	if len(m.names) == 0 {
		return "", false, nil
	}
	head := m.names[0]
	m.names[0] = ""
	m.names = m.names[1:]
	return head, true, nil
}

func (m *memoryIndex) PushFront(_ context.Context, name string) error {
	m.names = append([]string{name}, m.names...)
	return nil
}

func (m *memoryIndex) Remove(_ context.Context, name string) (bool, error) {
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryIndex) Replace(_ context.Context, names []string) error {
	m.names = append([]string(nil), names...)
	return nil
}

func (m *memoryIndex) Len() int { return len(m.names) }

func (m *memoryIndex) Close() error { return nil }
