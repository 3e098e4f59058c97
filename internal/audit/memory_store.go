package audit

import (
	"context"
	"maps"
	"sort"
	"sync"
)

// MemoryStore is an in-memory store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	events  map[string][]*AnchorEvent
	seq     int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		events:  make(map[string][]*AnchorEvent),
	}
}

func (m *MemoryStore) Insert(_ context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[r.Reference]; exists {
		return ErrDuplicateReference
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now()
	}
	m.records[r.Reference] = copyRecord(r)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, reference string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[reference]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

func (m *MemoryStore) ListRecent(_ context.Context, opts ListOptions) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, r := range m.records {
		if opts.Domain != "" && r.Domain != opts.Domain {
			continue
		}
		if !before(r.CreatedAt, r.Reference, opts.After) {
			continue
		}
		result = append(result, copyRecord(r))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].Reference > result[j].Reference
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (m *MemoryStore) CountByDomain(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, r := range m.records {
		counts[r.Domain]++
	}
	return counts, nil
}

func (m *MemoryStore) AppendAnchor(_ context.Context, e *AnchorEvent) error {
	if err := validateEvent(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[e.Reference]; !ok {
		return ErrNotFound
	}
	m.seq++
	e.Seq = m.seq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	cp := *e
	m.events[e.Reference] = append(m.events[e.Reference], &cp)
	return nil
}

func (m *MemoryStore) LatestAnchor(_ context.Context, reference string) (*AnchorEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[reference]
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	cp := *events[len(events)-1]
	return &cp, nil
}

func (m *MemoryStore) LatestAnchors(_ context.Context, references []string) (map[string]*AnchorEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*AnchorEvent, len(references))
	for _, ref := range references {
		if events := m.events[ref]; len(events) > 0 {
			cp := *events[len(events)-1]
			out[ref] = &cp
		}
	}
	return out, nil
}

func (m *MemoryStore) AnchorHistory(_ context.Context, reference string) ([]*AnchorEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.events[reference]
	out := make([]*AnchorEvent, len(events))
	for i, e := range events {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ListByAnchorStatus(_ context.Context, status AnchorStatus, limit int) ([]*AnchorEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*AnchorEvent
	for _, events := range m.events {
		latest := events[len(events)-1]
		if latest.Status == status {
			cp := *latest
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func copyRecord(r *Record) *Record {
	cp := *r
	cp.Snapshot = maps.Clone(r.Snapshot)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
