package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store persists admin accounts and refresh tokens.
type Store interface {
	CreateAccount(ctx context.Context, a Account) error
	FindByUsername(ctx context.Context, username string) (Account, error)
	FindByID(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	RecordLoginFailure(ctx context.Context, id string, at time.Time) error
	RecordLoginSuccess(ctx context.Context, id, ip string, at time.Time) error
	UpdatePassword(ctx context.Context, id, hash string, at time.Time) error

	SaveRefreshToken(ctx context.Context, t RefreshToken) error
	FindRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string) error
	RevokeAccountTokens(ctx context.Context, accountID string) error
}

// InMemoryStore implements Store for tests and local development.
type InMemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account // by id
	byName   map[string]string   // username -> id
	tokens   map[string]*RefreshToken
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		accounts: make(map[string]*Account),
		byName:   make(map[string]string),
		tokens:   make(map[string]*RefreshToken),
	}
}

func (s *InMemoryStore) CreateAccount(ctx context.Context, a Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	username := strings.ToLower(a.Username)
	if _, ok := s.byName[username]; ok {
		return ErrConflict
	}
	a.Username = username
	cp := a
	s.accounts[a.ID] = &cp
	s.byName[username] = a.ID
	return nil
}

func (s *InMemoryStore) FindByUsername(ctx context.Context, username string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[strings.ToLower(username)]
	if !ok {
		return Account{}, ErrNotFound
	}
	return copyAccount(s.accounts[id]), nil
}

func (s *InMemoryStore) FindByID(ctx context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return copyAccount(a), nil
}

func (s *InMemoryStore) ListAccounts(ctx context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		res = append(res, copyAccount(a))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Username < res[j].Username })
	return res, nil
}

func (s *InMemoryStore) RecordLoginFailure(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.FailedLogins++
	a.LastFailedAt = at
	a.UpdatedAt = at
	return nil
}

func (s *InMemoryStore) RecordLoginSuccess(ctx context.Context, id, ip string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.FailedLogins = 0
	a.LastFailedAt = time.Time{}
	a.LastLoginAt = at
	a.LastLoginIP = ip
	a.UpdatedAt = at
	return nil
}

func (s *InMemoryStore) UpdatePassword(ctx context.Context, id, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.PasswordHash = hash
	a.UpdatedAt = at
	return nil
}

func (s *InMemoryStore) SaveRefreshToken(ctx context.Context, t RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tokens[t.TokenHash] = &cp
	return nil
}

func (s *InMemoryStore) FindRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[tokenHash]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return *t, nil
}

func (s *InMemoryStore) RevokeRefreshToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.ID == id {
			t.Revoked = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) RevokeAccountTokens(ctx context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.AccountID == accountID {
			t.Revoked = true
		}
	}
	return nil
}

func copyAccount(a *Account) Account {
	out := *a
	if len(a.Permissions) > 0 {
		out.Permissions = append([]string(nil), a.Permissions...)
	}
	return out
}
