package sessions

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-memory implementation of Repo.
type MemoryRepo struct {
	mu   sync.RWMutex
	data map[string]Session
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{data: make(map[string]Session)}
}

func (r *MemoryRepo) Create(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[s.ID] = clone(s)
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.data[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return clone(s), nil
}

// ListByUser returns a user's sessions, newest first.
func (r *MemoryRepo) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	return r.list(ctx, func(s Session) bool { return s.UserID == userID })
}

func (r *MemoryRepo) ListByStatus(ctx context.Context, status Status) ([]Session, error) {
	return r.list(ctx, func(s Session) bool { return s.Status == status })
}

func (r *MemoryRepo) Update(ctx context.Context, s Session, prev Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.data[s.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != prev {
		return ErrStatusChanged
	}
	s.ApplicationsSent = cur.ApplicationsSent
	s.ApplicationsSentToday = cur.ApplicationsSentToday
	s.LastDispatchAt = cur.LastDispatchAt
	r.data[s.ID] = clone(s)
	return nil
}

func (r *MemoryRepo) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[id]; !ok {
		return ErrNotFound
	}
	delete(r.data, id)
	return nil
}

func (r *MemoryRepo) list(ctx context.Context, keep func(Session) bool) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]Session, 0)
	for _, s := range r.data {
		if keep(s) {
			out = append(out, clone(s))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// clone copies the slices of s so callers cannot alias stored state.
func clone(s Session) Session {
	s.TargetPlatforms = append([]string(nil), s.TargetPlatforms...)
	s.SearchKeywords = append([]string(nil), s.SearchKeywords...)
	s.LocationFilters = append([]string(nil), s.LocationFilters...)
	s.ExperienceLevels = append([]string(nil), s.ExperienceLevels...)
	s.JobTypes = append([]string(nil), s.JobTypes...)
	return s
}

var _ Repo = (*MemoryRepo)(nil)
