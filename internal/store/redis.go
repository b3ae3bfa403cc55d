package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harbor/marks-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Direct returns a view of s that reads straight from the primary store and
// still writes through s, so cached keys are invalidated. Read-modify-write
// callers such as the ledger processor must use it: a reader that missed the
// cache can store a copy older than the primary after a write's invalidation.
func (s *CachedStore) Direct() Store {
	return directStore{s}
}

type directStore struct {
	*CachedStore
}

func (d directStore) GetEntry(ctx context.Context, contract, user string) (*model.LedgerEntry, error) {
	return d.primary.GetEntry(ctx, contract, user)
}

func (d directStore) ListEntriesByUser(ctx context.Context, user string) ([]model.LedgerEntry, error) {
	return d.primary.ListEntriesByUser(ctx, user)
}

func (d directStore) GetRule(ctx context.Context, key string) (*model.AccrualRule, error) {
	return d.primary.GetRule(ctx, key)
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) PutEntry(ctx context.Context, entry *model.LedgerEntry) error {
	if err := s.primary.PutEntry(ctx, entry); err != nil {
		return err
	}
	s.rdb.Del(ctx, entryKeyString(entry.ContractAddress, entry.UserAddress), userEntriesKey(entry.UserAddress))
	return nil
}

func (s *CachedStore) CreateRuleIfAbsent(ctx context.Context, rule *model.AccrualRule) (*model.AccrualRule, error) {
	stored, err := s.primary.CreateRuleIfAbsent(ctx, rule)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, ruleKey(stored.Key), stored)
	return stored, nil
}

func (s *CachedStore) PutRule(ctx context.Context, rule *model.AccrualRule) error {
	if err := s.primary.PutRule(ctx, rule); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, ruleKey(rule.Key))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetEntry(ctx context.Context, contract, user string) (*model.LedgerEntry, error) {
	key := entryKeyString(contract, user)
	var e model.LedgerEntry
	if s.lookup(ctx, key, &e) {
		return &e, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetEntry(ctx, contract, user)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, got)
	return got, nil
}

func (s *CachedStore) ListEntriesByUser(ctx context.Context, user string) ([]model.LedgerEntry, error) {
	key := userEntriesKey(user)
	var entries []model.LedgerEntry
	if s.lookup(ctx, key, &entries) {
		return entries, nil
	}

	entries, err := s.primary.ListEntriesByUser(ctx, user)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, entries)
	return entries, nil
}

func (s *CachedStore) GetRule(ctx context.Context, key string) (*model.AccrualRule, error) {
	var r model.AccrualRule
	if s.lookup(ctx, ruleKey(key), &r) {
		return &r, nil
	}

	got, err := s.primary.GetRule(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, ruleKey(key), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEntries(ctx context.Context) ([]model.LedgerEntry, error) {
	return s.primary.ListEntries(ctx)
}

func (s *CachedStore) ListEntriesByType(ctx context.Context, t model.ContractType) ([]model.LedgerEntry, error) {
	return s.primary.ListEntriesByType(ctx, t)
}

func (s *CachedStore) ListRules(ctx context.Context) ([]model.AccrualRule, error) {
	return s.primary.ListRules(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func entryKeyString(contract, user string) string { return fmt.Sprintf("entry:%s:%s", contract, user) }
func userEntriesKey(user string) string           { return fmt.Sprintf("user-entries:%s", user) }
func ruleKey(key string) string                   { return fmt.Sprintf("rule:%s", key) }
