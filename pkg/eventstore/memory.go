package eventstore

import (
	"sync"

	"github.com/openquant/helix/pkg/types"
)

// MemoryBackend keeps the most recent events in a bounded in-memory ring.
// It is the default backend and the one used in tests.
type MemoryBackend struct {
	mu      sync.Mutex
	events  []StoredEvent
	maxSize int
}

// NewMemoryBackend creates a memory backend retaining up to maxSize events
func NewMemoryBackend(maxSize int) *MemoryBackend {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryBackend{maxSize: maxSize}
}

func (m *MemoryBackend) PersistEvent(ev *types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, FromEvent(ev))
	if len(m.events) > m.maxSize {
		m.events = m.events[1:]
	}
	return nil
}

// Events returns up to limit of the most recent events, oldest first
func (m *MemoryBackend) Events(limit int) ([]StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.events) {
		limit = len(m.events)
	}
	out := make([]StoredEvent, limit)
	copy(out, m.events[len(m.events)-limit:])
	return out, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
