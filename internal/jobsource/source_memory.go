package jobsource

import (
	"context"
	"strconv"
	"sync"
)

// MemorySource serves candidates from an in-process list in insertion order.
// The cursor is the index of the next candidate to inspect.
type MemorySource struct {
	mu         sync.RWMutex
	candidates []Candidate
}

// NewMemorySource constructs a MemorySource seeded with candidates.
func NewMemorySource(candidates ...Candidate) *MemorySource {
	return &MemorySource{candidates: append([]Candidate(nil), candidates...)}
}

// Add appends candidates.
func (s *MemorySource) Add(candidates ...Candidate) {
	s.mu.Lock()
	s.candidates = append(s.candidates, candidates...)
	s.mu.Unlock()
}

func (s *MemorySource) Next(ctx context.Context, f Filters, cursor string) (Candidate, string, error) {
	if err := ctx.Err(); err != nil {
		return Candidate{}, cursor, err
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 {
			return Candidate{}, cursor, ErrExhausted
		}
		start = n
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := start; i < len(s.candidates); i++ {
		if f.Matches(s.candidates[i]) {
			return s.candidates[i], strconv.Itoa(i + 1), nil
		}
	}
	return Candidate{}, strconv.Itoa(len(s.candidates)), ErrExhausted
}

var _ Source = (*MemorySource)(nil)
