package certificate

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Update is a partial admin edit. Nil fields are left untouched; the id
// and program are immutable after creation.
type Update struct {
	RecipientName  *string
	RecipientEmail *string
	AwardDate      *time.Time
	Notes          *string
}

// Store persists certificate records keyed by their 7-digit id.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, page, limit int) ([]Record, int, error)
	Update(ctx context.Context, id string, upd Update) (Record, error)
	Delete(ctx context.Context, id string) error
	Revoke(ctx context.Context, id, reason string, at time.Time) (Record, error)
	// RecordVerification applies the counter increment, last-verified stamp
	// and distinct FIFO IP update as one atomic read-modify-write so
	// concurrent verifications of the same id never lose an increment.
	RecordVerification(ctx context.Context, id, ip string, at time.Time) (Record, error)
	Search(ctx context.Context, recipient, program string, limit int) ([]Record, error)
	Stats(ctx context.Context) (Stats, error)
}

// InMemory implements Store with in-process concurrency safety.
type InMemory struct {
	mu   sync.RWMutex
	recs map[string]*Record
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{recs: make(map[string]*Record)}
}

func (s *InMemory) Insert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return ErrDuplicateID
	}
	cp := rec
	s.recs[rec.ID] = &cp
	return nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (s *InMemory) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.recs[id]
	return ok, nil
}

func (s *InMemory) List(ctx context.Context, page, limit int) ([]Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]Record, 0, len(s.recs))
	for _, rec := range s.recs {
		all = append(all, copyRecord(rec))
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	start := (page - 1) * limit
	if start >= total {
		return nil, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (s *InMemory) Update(ctx context.Context, id string, upd Update) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if upd.RecipientName != nil {
		rec.RecipientName = *upd.RecipientName
	}
	if upd.RecipientEmail != nil {
		rec.RecipientEmail = *upd.RecipientEmail
	}
	if upd.AwardDate != nil {
		rec.AwardDate = *upd.AwardDate
	}
	if upd.Notes != nil {
		rec.Notes = *upd.Notes
	}
	rec.UpdatedAt = time.Now().UTC()
	return copyRecord(rec), nil
}

func (s *InMemory) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return ErrNotFound
	}
	delete(s.recs, id)
	return nil
}

func (s *InMemory) Revoke(ctx context.Context, id, reason string, at time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Revoked {
		return Record{}, ErrAlreadyRevoked
	}
	rec.Revoked = true
	rec.RevokedReason = reason
	rec.RevokedAt = at
	rec.UpdatedAt = at
	return copyRecord(rec), nil
}

func (s *InMemory) RecordVerification(ctx context.Context, id, ip string, at time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Revoked {
		return Record{}, ErrRevoked
	}
	rec.ApplyVerification(ip, at)
	return copyRecord(rec), nil
}

func (s *InMemory) Search(ctx context.Context, recipient, program string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recipient = strings.ToLower(strings.TrimSpace(recipient))
	program = strings.TrimSpace(program)

	var res []Record
	for _, rec := range s.recs {
		if recipient != "" && !strings.Contains(strings.ToLower(rec.RecipientName), recipient) {
			continue
		}
		if program != "" && rec.Program != program {
			continue
		}
		res = append(res, copyRecord(rec))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (s *InMemory) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{ByProgram: map[string]int{}}
	for _, rec := range s.recs {
		st.Total++
		if rec.VerificationCount > 0 {
			st.Verified++
		}
		if rec.Revoked {
			st.Revoked++
			continue
		}
		st.Active++
		st.ByProgram[rec.Program]++
	}
	return st, nil
}

func copyRecord(rec *Record) Record {
	out := *rec
	if len(rec.VerifierIPs) > 0 {
		out.VerifierIPs = append([]IPHit(nil), rec.VerifierIPs...)
	}
	return out
}
