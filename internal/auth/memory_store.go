package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"KittyMarket-Chain/internal/primitives"
)

var errNotFound = errors.New("subject not found")

// MemoryStore keeps callers in memory; it is seeded from configuration.
type MemoryStore struct {
	mu        sync.RWMutex
	byName    map[string]*Credential
	byToken   map[string]primitives.AccountID
	byAccount map[primitives.AccountID]*Subject
}

// NewMemoryStore initialises the store with the provided seeds.
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{
		byName:    make(map[string]*Credential),
		byToken:   make(map[string]primitives.AccountID),
		byAccount: make(map[primitives.AccountID]*Subject),
	}
	for _, seed := range seeds {
		if err := store.ApplySeed(context.Background(), seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed upserts a caller.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	account, err := primitives.ParseAccount(seed.Account)
	if err != nil {
		return fmt.Errorf("seed %s: %w", seed.Name, err)
	}
	name := strings.TrimSpace(seed.Name)
	if name == "" {
		name = account.Hex()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byAccount[account] = &Subject{
		Account:     account,
		Name:        name,
		Permissions: dedupeStrings(seed.Permissions),
		Disabled:    seed.Disabled,
	}
	if token := strings.TrimSpace(seed.Token); token != "" {
		s.byToken[token] = account
	}
	if seed.Password != "" {
		hashed, err := HashPassword(seed.Password)
		if err != nil {
			return err
		}
		s.byName[name] = &Credential{
			Account:      account,
			Name:         name,
			PasswordHash: hashed,
			Disabled:     seed.Disabled,
		}
	}
	return nil
}

// FindByName implements Store.
func (s *MemoryStore) FindByName(_ context.Context, name string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.byName[name]
	if !ok {
		return nil, errNotFound
	}
	clone := *cred
	return &clone, nil
}

// FindByToken implements Store.
func (s *MemoryStore) FindByToken(ctx context.Context, token string) (*Subject, error) {
	s.mu.RLock()
	account, ok := s.byToken[token]
	s.mu.RUnlock()
	if !ok {
		return nil, errNotFound
	}
	return s.LoadSubject(ctx, account)
}

// LoadSubject implements Store.
func (s *MemoryStore) LoadSubject(_ context.Context, account primitives.AccountID) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject, ok := s.byAccount[account]
	if !ok {
		return nil, errNotFound
	}
	return subject.Clone(), nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
