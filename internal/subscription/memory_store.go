package subscription

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory subscription store for demo/development mode.
type MemoryStore struct {
	subs    map[string]*Subscription // by ID
	claimed map[string]bool          // charge-in-progress markers
	mu      sync.Mutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:    make(map[string]*Subscription),
		claimed: make(map[string]bool),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.subs {
		if existing.UserID == sub.UserID && existing.Status == StatusActive {
			return ErrAlreadyActive
		}
	}

	cp := *sub
	m.subs[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) GetActiveByUser(ctx context.Context, userID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subs {
		if sub.UserID == userID && sub.Status == StatusActive {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	sub.UpdatedAt = time.Now()
	cp := *sub
	m.subs[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Subscription
	for _, sub := range m.subs {
		if sub.Status == StatusActive && IsBillable(sub.PlanType) && !sub.NextBillingDate.After(now) {
			cp := *sub
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextBillingDate.Before(due[j].NextBillingDate) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) Claim(ctx context.Context, id string, expectedNext time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.claimed[id] || sub.Status != StatusActive || !sub.NextBillingDate.Equal(expectedNext) {
		return false, nil
	}
	m.claimed[id] = true
	return true, nil
}

func (m *MemoryStore) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claimed, id)
	return nil
}

func (m *MemoryStore) ExpireLapsed(ctx context.Context, now time.Time) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Subscription
	for _, sub := range m.subs {
		if sub.Status == StatusCancelled && sub.NextBillingDate.Before(now) {
			sub.Status = StatusExpired
			sub.UpdatedAt = time.Now()
			cp := *sub
			expired = append(expired, &cp)
		}
	}
	return expired, nil
}
