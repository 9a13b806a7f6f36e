package store

import (
	"context"
	"strings"
	"sync"

	"fotocall/pkg/domain"
)

// MemoryUserStore keeps accounts in-memory (single instance, development only).
type MemoryUserStore struct {
	mu      sync.RWMutex
	byID    map[string]domain.User
	byEmail map[string]string
}

// NewMemoryUserStore builds an empty user store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:    make(map[string]domain.User),
		byEmail: make(map[string]string),
	}
}

func (m *MemoryUserStore) CreateUser(_ context.Context, u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, ok := m.byEmail[key]; ok {
		return ErrEmailTaken
	}
	m.byID[u.ID] = u
	m.byEmail[key] = u.ID
	return nil
}

func (m *MemoryUserStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.byID[id], true, nil
}

func (m *MemoryUserStore) GetUserByID(_ context.Context, id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[id]
	return u, ok, nil
}
