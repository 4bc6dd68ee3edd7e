package memory

import (
	"context"
	"sync"

	"watchsync/internal/core/domain"
	"watchsync/internal/core/ports"
)

// MemoryUserDirectory is a process-local account table. Real
// deployments point the engine at an external account service instead.
type MemoryUserDirectory struct {
	mu      sync.RWMutex
	byID    map[domain.UserID]*domain.User
	byEmail map[string]*domain.User
}

func NewMemoryUserDirectory() *MemoryUserDirectory {
	return &MemoryUserDirectory{
		byID:    make(map[domain.UserID]*domain.User),
		byEmail: make(map[string]*domain.User),
	}
}

var _ ports.UserDirectory = (*MemoryUserDirectory)(nil)

// Put registers or replaces a user record.
func (d *MemoryUserDirectory) Put(user *domain.User, email string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := *user
	d.byID[u.ID] = &u
	if email != "" {
		d.byEmail[email] = &u
	}
}

func (d *MemoryUserDirectory) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.byID[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	u := *user
	return &u, nil
}

func (d *MemoryUserDirectory) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.byEmail[email]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	u := *user
	return &u, nil
}
