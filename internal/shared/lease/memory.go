package lease

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker grants leases within one process.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time
}

type memoryLease struct {
	owner   string
	expires time.Time
}

// NewMemoryLocker constructs a MemoryLocker.
func NewMemoryLocker(now func() time.Time) *MemoryLocker {
	if now == nil {
		now = time.Now
	}
	return &MemoryLocker{leases: make(map[string]memoryLease), now: now}
}

func (m *MemoryLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, ok := m.leases[key]; ok && cur.owner != owner && now.Before(cur.expires) {
		return ErrHeld
	}
	m.leases[key] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (m *MemoryLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cur, ok := m.leases[key]
	if !ok || cur.owner != owner || !now.Before(cur.expires) {
		return ErrLost
	}
	m.leases[key] = memoryLease{owner: owner, expires: now.Add(ttl)}
	return nil
}

func (m *MemoryLocker) Release(ctx context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.leases[key]; ok && cur.owner == owner {
		delete(m.leases, key)
	}
	return nil
}

var _ Locker = (*MemoryLocker)(nil)
