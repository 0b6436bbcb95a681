package account

import (
	"context"
	"sync"
	"time"

	"github.com/amondhq/billing/internal/gateway"
)

// MemoryDirectory is an in-memory user directory for demo/development mode.
type MemoryDirectory struct {
	users map[string]*record
	mu    sync.Mutex
}

type record struct {
	buyer       gateway.Buyer
	grade       string
	paidThrough time.Time
}

var _ Directory = (*MemoryDirectory)(nil)

// NewMemoryDirectory creates a new in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]*record)}
}

// Put registers a user. Used by demo seeding and tests.
func (m *MemoryDirectory) Put(userID string, buyer gateway.Buyer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = &record{buyer: buyer, grade: GradeFree}
}

func (m *MemoryDirectory) Buyer(ctx context.Context, userID string) (gateway.Buyer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.users[userID]
	if !ok {
		return gateway.Buyer{}, ErrNotFound
	}
	return rec.buyer, nil
}

func (m *MemoryDirectory) SetMembership(ctx context.Context, userID, grade string, paidThrough time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	rec.grade = grade
	rec.paidThrough = paidThrough
	return nil
}

// Membership returns the user's current grade and paid-through date.
func (m *MemoryDirectory) Membership(userID string) (string, time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.users[userID]
	if !ok {
		return "", time.Time{}, false
	}
	return rec.grade, rec.paidThrough, true
}
