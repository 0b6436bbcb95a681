package billingkey

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory billing key store for demo/development mode.
type MemoryStore struct {
	keys map[string]*BillingKey // by ID
	mu   sync.Mutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory billing key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]*BillingKey)}
}

func (m *MemoryStore) Replace(ctx context.Context, key *BillingKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, existing := range m.keys {
		if existing.UserID == key.UserID && existing.Status == StatusActive {
			existing.Status = StatusInactive
			existing.UpdatedAt = now
		}
	}

	cp := *key
	cp.Status = StatusActive
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.keys[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) GetActive(ctx context.Context, userID string) (*BillingKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range m.keys {
		if key.UserID == userID && key.Status == StatusActive {
			cp := *key
			return &cp, nil
		}
	}
	return nil, ErrNoActiveKey
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*BillingKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *key
	return &cp, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	key.Status = status
	key.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetStatusByToken(ctx context.Context, token string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range m.keys {
		if key.Token == token {
			key.Status = status
			key.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*BillingKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*BillingKey
	for _, key := range m.keys {
		if key.UserID == userID {
			cp := *key
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
