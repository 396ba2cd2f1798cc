package audit

import (
	"context"
	"sync"
)

// InMemory keeps entries in process. Used by tests and as a fallback when
// no database is configured.
type InMemory struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewInMemory() *InMemory {
	return &InMemory{}
}

func (s *InMemory) Insert(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *InMemory) List(ctx context.Context, f Filter) ([]Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Entry
	// Insert order is chronological; walk backwards for newest-first.
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Outcome != "" && e.Outcome != f.Outcome {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	start := (f.Page - 1) * f.Limit
	if start >= total {
		return nil, total, nil
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *InMemory) RecentVerifications(ctx context.Context, limit int) ([]Entry, error) {
	entries, _, err := s.List(ctx, Filter{
		Action:  ActionCertificateVerify,
		Outcome: OutcomeSuccess,
		Page:    1,
		Limit:   limit,
	})
	return entries, err
}

// Len reports the number of stored entries.
func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
