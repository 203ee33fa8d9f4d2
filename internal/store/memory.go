package store

import (
	"context"
	"sync"
)

// DefaultRetention bounds the in-memory log
const DefaultRetention = 1000

// MemoryStore keeps records in process memory, dropping the oldest beyond
// its retention
type MemoryStore struct {
	mu        sync.RWMutex
	records   []*AccidentRecord
	settings  map[string]string
	retention int
	closed    bool
}

// NewMemoryStore creates an in-memory store. A non-positive retention uses DefaultRetention.
func NewMemoryStore(retention int) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{
		retention: retention,
		settings:  make(map[string]string),
	}
}

func (m *MemoryStore) Name() string {
	return "memory"
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryStore) Insert(ctx context.Context, rec *AccidentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	cp := *rec
	m.records = append(m.records, &cp)
	if len(m.records) > m.retention {
		// evict the oldest by timestamp, not by arrival
		sortNewestFirst(m.records)
		m.records = m.records[:m.retention]
	}
	return nil
}

func (m *MemoryStore) Recent(ctx context.Context, limit int) ([]*AccidentRecord, error) {
	limit = normalizeLimit(limit)

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	all := make([]*AccidentRecord, 0, len(m.records))
	for _, r := range m.records {
		cp := *r
		all = append(all, &cp)
	}
	m.mu.RUnlock()

	sortNewestFirst(all)
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Len returns the number of retained records
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) SaveSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *MemoryStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ SettingsStore = (*MemoryStore)(nil)
)
