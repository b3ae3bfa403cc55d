package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/harbor/marks-engine/internal/model"
)

type entryKey struct {
	contract string
	user     string
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[entryKey]*model.LedgerEntry
	order   []entryKey
	rules   map[string]*model.AccrualRule
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[entryKey]*model.LedgerEntry),
		rules:   make(map[string]*model.AccrualRule),
	}
}

func (s *MemoryStore) GetEntry(_ context.Context, contract, user string) (*model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[entryKey{contract, user}]
	if !ok {
		return nil, fmt.Errorf("entry %s/%s: %w", contract, user, ErrNotFound)
	}
	c := cloneEntry(e)
	return &c, nil
}

func (s *MemoryStore) PutEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey{entry.ContractAddress, entry.UserAddress}
	if _, ok := s.entries[k]; !ok {
		s.order = append(s.order, k)
	}
	// Store a copy to avoid external mutation.
	c := cloneEntry(entry)
	s.entries[k] = &c
	return nil
}

func (s *MemoryStore) ListEntries(_ context.Context) ([]model.LedgerEntry, error) {
	return s.collect(func(*model.LedgerEntry) bool { return true }), nil
}

func (s *MemoryStore) ListEntriesByUser(_ context.Context, user string) ([]model.LedgerEntry, error) {
	return s.collect(func(e *model.LedgerEntry) bool { return e.UserAddress == user }), nil
}

func (s *MemoryStore) ListEntriesByType(_ context.Context, t model.ContractType) ([]model.LedgerEntry, error) {
	return s.collect(func(e *model.LedgerEntry) bool { return e.ContractType == t }), nil
}

// collect walks entries in insertion order under a single read lock.
func (s *MemoryStore) collect(keep func(*model.LedgerEntry) bool) []model.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.LedgerEntry, 0, len(s.order))
	for _, k := range s.order {
		e := s.entries[k]
		if keep(e) {
			result = append(result, cloneEntry(e))
		}
	}
	return result
}

func (s *MemoryStore) GetRule(_ context.Context, key string) (*model.AccrualRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[key]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", key, ErrNotFound)
	}
	c := cloneRule(r)
	return &c, nil
}

func (s *MemoryStore) CreateRuleIfAbsent(_ context.Context, rule *model.AccrualRule) (*model.AccrualRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.rules[rule.Key]; ok {
		c := cloneRule(existing)
		return &c, nil
	}
	stored := cloneRule(rule)
	s.rules[rule.Key] = &stored
	c := cloneRule(&stored)
	return &c, nil
}

func (s *MemoryStore) PutRule(_ context.Context, rule *model.AccrualRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cloneRule(rule)
	s.rules[rule.Key] = &c
	return nil
}

func (s *MemoryStore) ListRules(_ context.Context) ([]model.AccrualRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]model.AccrualRule, 0, len(s.rules))
	for _, r := range s.rules {
		rules = append(rules, cloneRule(r))
	}
	return rules, nil
}
