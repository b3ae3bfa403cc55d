// Package store defines the persistence interface for the marks engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/harbor/marks-engine/internal/model"
)

// ErrNotFound is returned when an entry or rule does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. Addresses are passed already
// normalized; implementations compare them verbatim.
type Store interface {
	// --- Ledger entries ---

	// GetEntry returns the entry for one (contract, user) pair.
	GetEntry(ctx context.Context, contract, user string) (*model.LedgerEntry, error)

	// PutEntry inserts or replaces an entry.
	PutEntry(ctx context.Context, entry *model.LedgerEntry) error

	// ListEntries returns every entry in creation order.
	ListEntries(ctx context.Context) ([]model.LedgerEntry, error)

	// ListEntriesByUser returns all entries held by one user.
	ListEntriesByUser(ctx context.Context, user string) ([]model.LedgerEntry, error)

	// ListEntriesByType returns all entries for one contract type.
	ListEntriesByType(ctx context.Context, t model.ContractType) ([]model.LedgerEntry, error)

	// --- Accrual rules ---

	// GetRule returns the rule stored under key.
	GetRule(ctx context.Context, key string) (*model.AccrualRule, error)

	// CreateRuleIfAbsent stores rule unless its key exists, and returns the
	// rule that is stored afterwards. The first writer wins.
	CreateRuleIfAbsent(ctx context.Context, rule *model.AccrualRule) (*model.AccrualRule, error)

	// PutRule replaces the rule stored under rule.Key.
	PutRule(ctx context.Context, rule *model.AccrualRule) error

	// ListRules returns all stored rules.
	ListRules(ctx context.Context) ([]model.AccrualRule, error)
}

// cloneEntry copies an entry including its period pointers.
func cloneEntry(e *model.LedgerEntry) model.LedgerEntry {
	c := *e
	c.PeriodStart = cloneInt(e.PeriodStart)
	c.PeriodEnd = cloneInt(e.PeriodEnd)
	return c
}

func cloneRule(r *model.AccrualRule) model.AccrualRule {
	c := *r
	c.PeriodStart = cloneInt(r.PeriodStart)
	c.PeriodEnd = cloneInt(r.PeriodEnd)
	return c
}

func cloneInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
