package transport

import (
	"context"
	"sync"

	"github.com/apiscope/apiscope/internal/event"
)

// Memory retains delivered batches in memory. It is the test and debug sink
// for single-process deployments.
type Memory struct {
	mu        sync.Mutex
	batches   []event.Batch
	total     int
	maxEvents int
}

// NewMemory creates a memory transport retaining at most maxEvents events;
// older batches are discarded whole once the limit is exceeded. maxEvents <= 0
// means unlimited.
func NewMemory(maxEvents int) *Memory {
	return &Memory{maxEvents: maxEvents}
}

// Deliver stores the batch.
func (m *Memory) Deliver(_ context.Context, batch event.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.batches = append(m.batches, batch)
	m.total += batch.Len()

	for m.maxEvents > 0 && m.total > m.maxEvents && len(m.batches) > 1 {
		m.total -= m.batches[0].Len()
		m.batches = m.batches[1:]
	}
	return nil
}

// Batches returns a copy of the retained batches in delivery order.
func (m *Memory) Batches() []event.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]event.Batch, len(m.batches))
	copy(out, m.batches)
	return out
}

// Events returns all retained events in delivery order.
func (m *Memory) Events() []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]event.Event, 0, m.total)
	for _, b := range m.batches {
		out = append(out, b.Events...)
	}
	return out
}

// Clear discards all retained batches.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = nil
	m.total = 0
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
