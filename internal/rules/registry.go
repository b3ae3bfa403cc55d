// Package rules is the accrual rule registry: it resolves a (contract,
// contract type) pair to the AccrualRule that governs it, creating the
// type's default rule on first use.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/harbor/marks-engine/internal/contract"
	"github.com/harbor/marks-engine/internal/model"
	"github.com/harbor/marks-engine/internal/store"
)

var (
	ErrInvalidRule  = errors.New("rules: invalid rule")
	ErrRuleNotFound = errors.New("rules: rule not found")
)

// Window is a genesis accrual period in unix seconds. A zero End leaves the
// period open until an update sets it.
type Window struct {
	Start int64
	End   int64
}

// Registry resolves and creates accrual rules. It is safe for concurrent use.
type Registry struct {
	store   store.Store
	genesis Window
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]model.AccrualRule
}

// NewRegistry creates a registry backed by st. genesis is the default
// window given to Genesis rules.
func NewRegistry(st store.Store, genesis Window) *Registry {
	return &Registry{
		store:   st,
		genesis: genesis,
		now:     time.Now,
		cache:   make(map[string]model.AccrualRule),
	}
}

// Key returns the lookup key: the normalized contract address when known,
// else a per-type default key.
func Key(contractAddress string, t model.ContractType) string {
	if contractAddress == "" {
		return DefaultKey(t)
	}
	return contract.CanonicalAddress(contractAddress)
}

// DefaultKey is the synthetic key of a type's default rule.
func DefaultKey(t model.ContractType) string {
	return "default:" + string(t)
}

// Default returns the default rule for a contract type. Unrecognized types
// get the Unknown defaults.
func Default(t model.ContractType) model.AccrualRule {
	hundred := decimal.NewNullDecimal(decimal.NewFromInt(100))
	r := model.AccrualRule{ContractType: t}

	switch t {
	case model.ContractGenesis:
		r.RatePerDollarPerDay = decimal.NewFromInt(10)
		r.BonusMultiplier = hundred
		r.HasPeriod = true
		r.ForfeitOnWithdrawal = true
		r.ForfeitPercentage = hundred
	case model.ContractStabilityPoolCollateral:
		r.RatePerDollarPerDay = decimal.NewFromInt(1)
		r.ForfeitOnWithdrawal = true
		r.ForfeitPercentage = hundred
	case model.ContractStabilityPoolSail:
		r.RatePerDollarPerDay = decimal.NewFromInt(2)
		r.ForfeitOnWithdrawal = true
		r.ForfeitPercentage = hundred
	case model.ContractSailTokenHolding:
		r.RatePerDollarPerDay = decimal.NewFromInt(5)
	case model.ContractHaTokenHolding:
		r.RatePerDollarPerDay = decimal.NewFromInt(1)
	default:
		r.ContractType = model.ContractUnknown
		r.RatePerDollarPerDay = decimal.NewFromInt(1)
		r.ForfeitOnWithdrawal = true
		r.ForfeitPercentage = hundred
	}
	return r
}

// GetOrCreateRule returns the rule for the contract, creating the type's
// default under the contract's key on first call. An empty contractAddress
// resolves to the type's default rule.
func (r *Registry) GetOrCreateRule(ctx context.Context, contractAddress string, t model.ContractType) (model.AccrualRule, error) {
	key := Key(contractAddress, t)

	r.mu.RLock()
	rule, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return rule, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rule, ok := r.cache[key]; ok {
		return rule, nil
	}

	stored, err := r.store.GetRule(ctx, key)
	if err == nil {
		r.cache[key] = *stored
		return *stored, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.AccrualRule{}, fmt.Errorf("load rule %s: %w", key, err)
	}

	rule = r.defaultFor(key, contractAddress, t)
	stored, err = r.store.CreateRuleIfAbsent(ctx, &rule)
	if err != nil {
		return model.AccrualRule{}, fmt.Errorf("create rule %s: %w", key, err)
	}
	r.cache[key] = *stored

	slog.Info("accrual rule created",
		"key", key,
		"type", string(stored.ContractType),
		"rate", stored.RatePerDollarPerDay.String(),
	)
	return *stored, nil
}

func (r *Registry) defaultFor(key, contractAddress string, t model.ContractType) model.AccrualRule {
	rule := Default(t)
	rule.Key = key
	if contractAddress != "" {
		rule.ContractAddress = contract.CanonicalAddress(contractAddress)
	}
	if rule.HasPeriod {
		start := r.genesis.Start
		rule.PeriodStart = &start
		if r.genesis.End > 0 {
			end := r.genesis.End
			rule.PeriodEnd = &end
		}
	}
	now := r.now().Unix()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	return rule
}

// Lookup returns an existing rule without creating one.
func (r *Registry) Lookup(ctx context.Context, key string) (model.AccrualRule, error) {
	r.mu.RLock()
	rule, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return rule, nil
	}

	stored, err := r.store.GetRule(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return model.AccrualRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, key)
	}
	if err != nil {
		return model.AccrualRule{}, err
	}
	return *stored, nil
}

// List returns every stored rule.
func (r *Registry) List(ctx context.Context) ([]model.AccrualRule, error) {
	return r.store.ListRules(ctx)
}

// UpdateRule replaces the rate, bonus, period and forfeiture terms of the
// rule stored under next.Key and bumps its UpdatedAt. Identity fields are
// kept. Entries created earlier keep the period they captured.
func (r *Registry) UpdateRule(ctx context.Context, next model.AccrualRule) (model.AccrualRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.store.GetRule(ctx, next.Key)
	if errors.Is(err, store.ErrNotFound) {
		return model.AccrualRule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, next.Key)
	}
	if err != nil {
		return model.AccrualRule{}, err
	}

	updated := replaceTerms(*current, next)
	if err := Validate(updated); err != nil {
		return model.AccrualRule{}, err
	}
	updated.UpdatedAt = r.now().Unix()
	if updated.UpdatedAt <= current.UpdatedAt {
		updated.UpdatedAt = current.UpdatedAt + 1
	}

	if err := r.store.PutRule(ctx, &updated); err != nil {
		return model.AccrualRule{}, fmt.Errorf("update rule %s: %w", next.Key, err)
	}
	r.cache[updated.Key] = updated

	slog.Info("accrual rule updated",
		"key", updated.Key,
		"rate", updated.RatePerDollarPerDay.String(),
		"has_period", updated.HasPeriod,
		"updated_at", updated.UpdatedAt,
	)
	return updated, nil
}

// Override installs a rule under its key, replacing whatever is stored.
// Used to seed configured per-contract rules at startup.
func (r *Registry) Override(ctx context.Context, rule model.AccrualRule) (model.AccrualRule, error) {
	if rule.Key == "" {
		rule.Key = Key(rule.ContractAddress, rule.ContractType)
	}
	if rule.ContractAddress != "" {
		rule.ContractAddress = contract.CanonicalAddress(rule.ContractAddress)
	}
	if err := Validate(rule); err != nil {
		return model.AccrualRule{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().Unix()
	if existing, err := r.store.GetRule(ctx, rule.Key); err == nil {
		rule.CreatedAt = existing.CreatedAt
	} else {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	if err := r.store.PutRule(ctx, &rule); err != nil {
		return model.AccrualRule{}, fmt.Errorf("override rule %s: %w", rule.Key, err)
	}
	r.cache[rule.Key] = rule
	return rule, nil
}

func replaceTerms(current, next model.AccrualRule) model.AccrualRule {
	current.RatePerDollarPerDay = next.RatePerDollarPerDay
	current.BonusMultiplier = next.BonusMultiplier
	current.HasPeriod = next.HasPeriod
	current.PeriodStart = next.PeriodStart
	current.PeriodEnd = next.PeriodEnd
	current.ForfeitOnWithdrawal = next.ForfeitOnWithdrawal
	current.ForfeitPercentage = next.ForfeitPercentage
	return current
}

// Validate checks the rule invariants.
func Validate(r model.AccrualRule) error {
	if r.RatePerDollarPerDay.IsNegative() {
		return fmt.Errorf("%w: negative rate", ErrInvalidRule)
	}
	if r.BonusMultiplier.Valid && r.BonusMultiplier.Decimal.IsNegative() {
		return fmt.Errorf("%w: negative bonus multiplier", ErrInvalidRule)
	}
	if r.HasPeriod && r.PeriodStart == nil {
		return fmt.Errorf("%w: period start required", ErrInvalidRule)
	}
	if r.PeriodStart != nil && r.PeriodEnd != nil && *r.PeriodEnd <= *r.PeriodStart {
		return fmt.Errorf("%w: period end must be after period start", ErrInvalidRule)
	}
	if r.ForfeitPercentage.Valid {
		p := r.ForfeitPercentage.Decimal
		if p.IsNegative() || p.GreaterThan(decimal.NewFromInt(100)) {
			return fmt.Errorf("%w: forfeit percentage outside [0,100]", ErrInvalidRule)
		}
	}
	return nil
}
