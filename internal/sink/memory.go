package sink

import (
	"context"
	"sync"
)

// Memory keeps every record in order. Used by tests and the ops endpoint's
// summary view.
type Memory struct {
	mu      sync.RWMutex
	records []Record
	closed  bool
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Write(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Records returns a copy of everything written.
func (m *Memory) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record(nil), m.records...)
}

// Filter returns the records of kind k whose Type equals typ. An empty typ
// matches every type.
func (m *Memory) Filter(k Kind, typ string) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.records {
		if r.Kind == k && (typ == "" || r.Type == typ) {
			out = append(out, r)
		}
	}
	return out
}

// Last returns the most recent record of kind k.
func (m *Memory) Last(k Kind) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Kind == k {
			return m.records[i], true
		}
	}
	return Record{}, false
}
