package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dense-identity/callsession/internal/call"
	"github.com/dense-identity/callsession/internal/helpers"
	"github.com/google/uuid"
)

// MemoryStore keeps records in process. It backs tests and hosts that do not
// need history across restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[uuid.UUID]call.Record
	order    []uuid.UUID
	contacts map[string]string
	limit    int
}

// NewMemoryStore returns an empty store that keeps at most limit records.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = 100
	}
	return &MemoryStore{
		records:  make(map[uuid.UUID]call.Record),
		contacts: make(map[string]string),
		limit:    limit,
	}
}

func (m *MemoryStore) CreateCallRecord(_ context.Context, rec call.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; !ok {
		m.order = append(m.order, rec.ID)
	}
	m.records[rec.ID] = rec.Clone()
	m.trim()
	return nil
}

func (m *MemoryStore) UpdateCallRecord(ctx context.Context, rec call.Record) error {
	// Final records may arrive for calls that were never created, e.g. an
	// inbound call denied before it alerted.
	return m.CreateCallRecord(ctx, rec)
}

func (m *MemoryStore) FetchActiveCallRecord(context.Context) (call.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.records[m.order[i]]
		if rec.Active() {
			return rec.Clone(), true, nil
		}
	}
	return call.Record{}, false, nil
}

func (m *MemoryStore) History(_ context.Context, limit int) ([]call.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]call.Record, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		rec := m.records[m.order[i]]
		if rec.Active() || rec.Outcome == call.OutcomeNone {
			continue
		}
		out = append(out, rec.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) LookupContact(_ context.Context, handle string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.contacts[helpers.Fingerprint(handle)]
	return id, ok, nil
}

func (m *MemoryStore) SaveContact(_ context.Context, handle, contactID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[helpers.Fingerprint(handle)] = contactID
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// trim drops the oldest finished records beyond the limit.
func (m *MemoryStore) trim() {
	if len(m.order) <= m.limit {
		return
	}
	var drop []int
	for i, id := range m.order {
		if len(m.order)-len(drop) <= m.limit {
			break
		}
		if !m.records[id].Active() {
			drop = append(drop, i)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(drop)))
	for _, i := range drop {
		delete(m.records, m.order[i])
		m.order = append(m.order[:i], m.order[i+1:]...)
	}
}
