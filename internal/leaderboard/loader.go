package leaderboard

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/harbor/marks-engine/internal/model"
	"github.com/harbor/marks-engine/internal/store"
)

// RuleSource resolves the accrual rule for a contract.
type RuleSource interface {
	GetOrCreateRule(ctx context.Context, contractAddress string, t model.ContractType) (model.AccrualRule, error)
}

// Loader reads ledger entries from the store and sorts them into the four
// source categories.
type Loader struct {
	store store.Store
	rules RuleSource
}

// NewLoader creates a loader.
func NewLoader(st store.Store, rules RuleSource) *Loader {
	return &Loader{store: st, rules: rules}
}

// category maps a contract type to its source list and pool type.
type category struct {
	t    model.ContractType
	pool model.PoolType
	dst  func(*model.Sources) *[]model.PositionSnapshot
}

var categories = []category{
	{t: model.ContractGenesis, dst: func(s *model.Sources) *[]model.PositionSnapshot { return &s.Genesis }},
	{t: model.ContractHaTokenHolding, dst: func(s *model.Sources) *[]model.PositionSnapshot { return &s.HaBalances }},
	{t: model.ContractStabilityPoolCollateral, pool: model.PoolCollateral, dst: func(s *model.Sources) *[]model.PositionSnapshot { return &s.PoolDeposits }},
	{t: model.ContractUnknown, pool: model.PoolCollateral, dst: func(s *model.Sources) *[]model.PositionSnapshot { return &s.PoolDeposits }},
	{t: model.ContractStabilityPoolSail, pool: model.PoolSail, dst: func(s *model.Sources) *[]model.PositionSnapshot { return &s.PoolDeposits }},
	{t: model.ContractSailTokenHolding, dst: func(s *model.Sources) *[]model.PositionSnapshot { return &s.SailBalances }},
}

// Load fetches each contract type concurrently and returns the snapshot.
// Within a category, entries keep store creation order.
func (l *Loader) Load(ctx context.Context) (model.Sources, error) {
	results := make([][]model.PositionSnapshot, len(categories))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range categories {
		g.Go(func() error {
			entries, err := l.store.ListEntriesByType(gctx, c.t)
			if err != nil {
				return fmt.Errorf("list %s entries: %w", c.t, err)
			}
			snaps := make([]model.PositionSnapshot, 0, len(entries))
			for _, e := range entries {
				rule, err := l.rules.GetOrCreateRule(gctx, e.ContractAddress, e.ContractType)
				if err != nil {
					return fmt.Errorf("rule for %s: %w", e.ContractAddress, err)
				}
				snaps = append(snaps, Snapshot(e, rule, c.pool))
			}
			results[i] = snaps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.Sources{}, err
	}

	var src model.Sources
	for i, c := range categories {
		dst := c.dst(&src)
		*dst = append(*dst, results[i]...)
	}
	return src, nil
}

// Snapshot converts a ledger entry into its read-side position view.
func Snapshot(e model.LedgerEntry, rule model.AccrualRule, pool model.PoolType) model.PositionSnapshot {
	return model.PositionSnapshot{
		UserAddress:     e.UserAddress,
		ContractAddress: e.ContractAddress,
		BalanceUsd:      e.CurrentDepositUsd,
		CurrentMarks:    e.CurrentMarks,
		MarksPerDay:     e.MarksPerDay,
		LastUpdated:     e.LastUpdated,
		PeriodStart:     e.PeriodStart,
		PeriodEnd:       e.PeriodEnd,
		GenesisEnded:    e.PeriodEnded,
		PoolType:        pool,
		Rule:            rule,
	}
}

// ResolveRules fills in the rule of every snapshot that arrived without
// one, using the contract type its category implies.
func ResolveRules(ctx context.Context, rules RuleSource, src *model.Sources) error {
	fill := func(list []model.PositionSnapshot, typeOf func(model.PositionSnapshot) model.ContractType) error {
		for i := range list {
			if list[i].Rule.Key != "" {
				continue
			}
			rule, err := rules.GetOrCreateRule(ctx, list[i].ContractAddress, typeOf(list[i]))
			if err != nil {
				return err
			}
			list[i].Rule = rule
		}
		return nil
	}
	fixed := func(t model.ContractType) func(model.PositionSnapshot) model.ContractType {
		return func(model.PositionSnapshot) model.ContractType { return t }
	}
	poolType := func(p model.PositionSnapshot) model.ContractType {
		if poolBucket(p.PoolType) == bucketSail {
			return model.ContractStabilityPoolSail
		}
		return model.ContractStabilityPoolCollateral
	}

	if err := fill(src.Genesis, fixed(model.ContractGenesis)); err != nil {
		return err
	}
	if err := fill(src.HaBalances, fixed(model.ContractHaTokenHolding)); err != nil {
		return err
	}
	if err := fill(src.PoolDeposits, poolType); err != nil {
		return err
	}
	return fill(src.SailBalances, fixed(model.ContractSailTokenHolding))
}
