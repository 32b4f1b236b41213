// ABOUTME: In-memory Journal used in tests and when persistence is disabled
// ABOUTME: Keeps every entry in record order behind a mutex

package journal

import (
	"context"
	"sync"
)

// MemoryJournal is a Journal held in memory.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []Entry
	closed  bool
}

// NewMemory returns an empty MemoryJournal.
func NewMemory() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) Record(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	prepare(e)
	m.entries = append(m.entries, *e)
	return nil
}

// List returns matching entries, oldest first.
func (m *MemoryJournal) List(_ context.Context, p ListParams) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	var out []Entry
	for _, e := range m.entries {
		if !p.matches(e) {
			continue
		}
		out = append(out, e)
		if len(out) == p.limit() {
			break
		}
	}
	return out, nil
}

func (m *MemoryJournal) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
