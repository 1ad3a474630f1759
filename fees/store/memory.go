// Package store provides in-memory implementations of the fee stores.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/fee-engine/fees"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	events   map[key][]fees.FeeEvent
	byID     map[fees.EventID]key
	students map[fees.StudentID]fees.Student
	runs     []fees.DuesRun
	invoices int
}

type key struct {
	StudentID fees.StudentID
	Batch     fees.BatchKey
}

var _ fees.Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		events:   make(map[key][]fees.FeeEvent),
		byID:     make(map[fees.EventID]key),
		students: make(map[fees.StudentID]fees.Student),
	}
}

// =============================================================================
// EVENT STORE
// =============================================================================

// AppendBatch adds events atomically. Events keep their insertion order
// within an enrollment.
func (m *Memory) AppendBatch(_ context.Context, events []fees.FeeEvent) ([]fees.FeeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check all ids first (atomic check)
	seen := make(map[fees.EventID]bool, len(events))
	for _, ev := range events {
		if _, exists := m.byID[ev.ID]; exists || seen[ev.ID] {
			return nil, fmt.Errorf("duplicate fee event id %q", ev.ID)
		}
		seen[ev.ID] = true
	}

	out := make([]fees.FeeEvent, len(events))
	for i, ev := range events {
		if ev.Kind == fees.KindPayment && ev.InvoiceNo == "" {
			m.invoices++
			ev.InvoiceNo = fmt.Sprintf("INV-%06d", m.invoices)
		}
		k := key{StudentID: ev.StudentID, Batch: ev.BatchKey()}
		m.events[k] = append(m.events[k], ev)
		m.byID[ev.ID] = k
		out[i] = ev
	}
	return out, nil
}

func (m *Memory) Load(_ context.Context, studentID fees.StudentID, batch fees.BatchKey) ([]fees.FeeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k := key{StudentID: studentID, Batch: batch}
	result := make([]fees.FeeEvent, len(m.events[k]))
	copy(result, m.events[k])
	return result, nil
}

func (m *Memory) LoadByStudent(_ context.Context, studentID fees.StudentID) ([]fees.FeeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []fees.FeeEvent
	for k, evs := range m.events {
		if k.StudentID == studentID {
			result = append(result, evs...)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Month.Before(result[j].Month) })
	return result, nil
}

func (m *Memory) Get(_ context.Context, id fees.EventID) (*fees.FeeEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.byID[id]
	if !ok {
		return nil, fees.ErrEventNotFound
	}
	for _, ev := range m.events[k] {
		if ev.ID == id {
			return &ev, nil
		}
	}
	return nil, fees.ErrEventNotFound
}

// Update replaces the mutable fields of an event.
func (m *Memory) Update(_ context.Context, ev fees.FeeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.byID[ev.ID]
	if !ok {
		return fees.ErrEventNotFound
	}
	for i, cur := range m.events[k] {
		if cur.ID != ev.ID {
			continue
		}
		cur.Amount = ev.Amount
		cur.Month = ev.Month
		cur.PaymentMode = ev.PaymentMode
		cur.PaymentReceiver = ev.PaymentReceiver
		cur.Remarks = ev.Remarks
		m.events[k][i] = cur
		return nil
	}
	return fees.ErrEventNotFound
}

func (m *Memory) Delete(_ context.Context, id fees.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.byID[id]
	if !ok {
		return fees.ErrEventNotFound
	}
	evs := m.events[k]
	for i, ev := range evs {
		if ev.ID == id {
			m.events[k] = append(evs[:i:i], evs[i+1:]...)
			break
		}
	}
	delete(m.byID, id)
	return nil
}

// =============================================================================
// STUDENT DIRECTORY
// =============================================================================

func (m *Memory) SaveStudent(_ context.Context, s fees.Student) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.students[s.ID]; ok && s.CreatedAt.IsZero() {
		s.CreatedAt = prev.CreatedAt
	}
	s.Memberships = append([]fees.Membership(nil), s.Memberships...)
	m.students[s.ID] = s
	return nil
}

func (m *Memory) GetStudent(_ context.Context, id fees.StudentID) (*fees.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.students[id]
	if !ok {
		return nil, fees.ErrStudentNotFound
	}
	s.Memberships = append([]fees.Membership(nil), s.Memberships...)
	return &s, nil
}

func (m *Memory) ListStudents(_ context.Context) ([]fees.Student, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]fees.Student, 0, len(m.students))
	for _, s := range m.students {
		s.Memberships = append([]fees.Membership(nil), s.Memberships...)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ActiveBatches(_ context.Context, id fees.StudentID) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.students[id]
	if !ok {
		return nil, fees.ErrStudentNotFound
	}
	return s.ActiveBatches(), nil
}

// =============================================================================
// DUES RUNS
// =============================================================================

func (m *Memory) SaveDuesRun(_ context.Context, run fees.DuesRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *Memory) ListDuesRuns(_ context.Context, limit int) ([]fees.DuesRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]fees.DuesRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.runs[i])
	}
	return out, nil
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = make(map[key][]fees.FeeEvent)
	m.byID = make(map[fees.EventID]key)
	m.students = make(map[fees.StudentID]fees.Student)
	m.runs = nil
	m.invoices = 0
	return nil
}
