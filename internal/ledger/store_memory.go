package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"autoapply-backend/internal/quota"
	"autoapply-backend/internal/shared/keylock"
)

// MemoryStore is an in-process ledger for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	bySession map[string][]string
	byJob     map[string]string

	locks  *keylock.Locker
	limits LimitsSource
	now    func() time.Time
}

// NewMemoryStore constructs a MemoryStore. limits resolves session caps for outcome checks.
func NewMemoryStore(limits LimitsSource, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries:   make(map[string]Entry),
		bySession: make(map[string][]string),
		byJob:     make(map[string]string),
		locks:     keylock.New(),
		limits:    limits,
		now:       now,
	}
}

func jobKey(sessionID string, job JobRef) string {
	return sessionID + "|" + job.Platform + "|" + job.ExternalID
}

func (s *MemoryStore) RecordAttempt(ctx context.Context, a Attempt) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	unlock := s.locks.Lock(a.SessionID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	key := jobKey(a.SessionID, a.Job)
	if _, ok := s.byJob[key]; ok {
		return Entry{}, ErrDuplicate
	}
	at := a.At
	if at.IsZero() {
		at = s.now()
	}
	e := Entry{
		ID:           uuid.NewString(),
		SessionID:    a.SessionID,
		Job:          a.Job,
		JobTitle:     a.JobTitle,
		Company:      a.Company,
		Status:       StatusPending,
		AttemptCount: 1,
		CreatedAt:    at.UTC(),
		UpdatedAt:    at.UTC(),
	}
	s.entries[e.ID] = e
	s.byJob[key] = e.ID
	s.bySession[a.SessionID] = append(s.bySession[a.SessionID], e.ID)
	return e, nil
}

func (s *MemoryStore) Exists(ctx context.Context, sessionID string, job JobRef) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byJob[jobKey(sessionID, job)]
	return ok, nil
}

func (s *MemoryStore) Get(ctx context.Context, entryID string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[entryID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) RecordRetry(ctx context.Context, entryID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return 0, ErrNotFound
	}
	if e.Status != StatusPending {
		return 0, ErrInvalidTransition
	}
	e.AttemptCount++
	e.UpdatedAt = s.now().UTC()
	s.entries[entryID] = e
	return e.AttemptCount, nil
}

func (s *MemoryStore) RecordOutcome(ctx context.Context, entryID string, out Outcome) (Entry, Counts, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, Counts{}, err
	}
	if !validOutcome(out) {
		return Entry{}, Counts{}, ErrInvalidOutcome
	}
	s.mu.RLock()
	e, ok := s.entries[entryID]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, Counts{}, ErrNotFound
	}

	unlock := s.locks.Lock(e.SessionID)
	defer unlock()

	at := outcomeTime(out, s.now)
	limits, err := s.sessionLimits(ctx, e.SessionID)
	if err != nil && out.Status == StatusApplied {
		return Entry{}, Counts{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e = s.entries[entryID]
	if e.Status != StatusPending {
		return Entry{}, Counts{}, ErrInvalidTransition
	}
	counts := s.countsLocked(e.SessionID, at, limits.Location)
	if out.Status == StatusApplied && !fitsQuota(limits, counts) {
		return Entry{}, Counts{}, ErrQuotaExceeded
	}

	e.Status = out.Status
	e.UpdatedAt = at
	if out.Status == StatusApplied {
		submitted := at
		e.SubmittedAt = &submitted
		e.ArtifactKey = out.ArtifactKey
	} else {
		e.ErrorMessage = out.Reason
	}
	s.entries[entryID] = e
	return e, counts.apply(out.Status), nil
}

func (s *MemoryStore) CountToday(ctx context.Context, sessionID string, now time.Time) (int, error) {
	c, err := s.Counts(ctx, sessionID, now)
	return c.AppliedToday, err
}

func (s *MemoryStore) CountTotal(ctx context.Context, sessionID string) (int, error) {
	c, err := s.Counts(ctx, sessionID, s.now())
	return c.Applied, err
}

func (s *MemoryStore) Counts(ctx context.Context, sessionID string, now time.Time) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}
	var loc *time.Location
	if s.limits != nil {
		limits, err := s.limits.QuotaLimits(ctx, sessionID)
		if err == nil {
			loc = limits.Location
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countsLocked(sessionID, now, loc), nil
}

func (s *MemoryStore) countsLocked(sessionID string, now time.Time, loc *time.Location) Counts {
	dayStart := quota.DayStart(now, loc)
	var c Counts
	for _, id := range s.bySession[sessionID] {
		e := s.entries[id]
		switch e.Status {
		case StatusApplied:
			c.Applied++
			if e.SubmittedAt != nil && !e.SubmittedAt.Before(dayStart) {
				c.AppliedToday++
			}
		case StatusFailed:
			c.Failed++
		case StatusPending:
			c.Pending++
		}
	}
	return c
}

func (s *MemoryStore) List(ctx context.Context, sessionID string, limit, offset int) ([]Entry, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	ids := s.bySession[sessionID]
	all := make([]Entry, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		all = append(all, s.entries[ids[i]])
	}
	s.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if offset >= total {
		return []Entry{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, sessionID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, id := range s.bySession[sessionID] {
		if e := s.entries[id]; e.Status == StatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) Reconcile(ctx context.Context, sessionID string, now time.Time) (Counts, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	return s.Counts(ctx, sessionID, now)
}

func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.bySession[sessionID] {
		e := s.entries[id]
		delete(s.byJob, jobKey(sessionID, e.Job))
		delete(s.entries, id)
	}
	delete(s.bySession, sessionID)
	return nil
}

func (s *MemoryStore) sessionLimits(ctx context.Context, sessionID string) (quota.Limits, error) {
	if s.limits == nil {
		return quota.Limits{}, ErrSessionNotFound
	}
	return s.limits.QuotaLimits(ctx, sessionID)
}

var _ Store = (*MemoryStore)(nil)
