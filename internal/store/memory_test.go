package store

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/harbor/marks-engine/internal/model"
)

func TestMemoryStore_EntryRoundTripIsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	end := int64(100)
	e := &model.LedgerEntry{
		ContractAddress:   "0xc",
		UserAddress:       "0xu",
		ContractType:      model.ContractGenesis,
		CurrentDepositUsd: decimal.NewFromInt(10),
		PeriodEnd:         &end,
	}
	if err := s.PutEntry(ctx, e); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	e.CurrentDepositUsd = decimal.NewFromInt(999)
	end = 5

	got, err := s.GetEntry(ctx, "0xc", "0xu")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.CurrentDepositUsd.Equal(decimal.NewFromInt(10)) {
		t.Errorf("expected stored deposit 10, got %s", got.CurrentDepositUsd)
	}
	if got.PeriodEnd == nil || *got.PeriodEnd != 100 {
		t.Errorf("expected stored period end 100, got %v", got.PeriodEnd)
	}
}

func TestMemoryStore_GetEntryNotFound(t *testing.T) {
	_, err := NewMemoryStore().GetEntry(context.Background(), "0xc", "0xu")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ListPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	users := []string{"0x3", "0x1", "0x2"}
	for _, u := range users {
		s.PutEntry(ctx, &model.LedgerEntry{ContractAddress: "0xc", UserAddress: u, ContractType: model.ContractHaTokenHolding})
	}
	// Update of an existing key keeps its original position.
	s.PutEntry(ctx, &model.LedgerEntry{ContractAddress: "0xc", UserAddress: "0x3", ContractType: model.ContractHaTokenHolding, LastUpdated: 9})
	s.PutEntry(ctx, &model.LedgerEntry{ContractAddress: "0xd", UserAddress: "0x1", ContractType: model.ContractGenesis})

	all, _ := s.ListEntries(ctx)
	if len(all) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(all))
	}
	for i, u := range []string{"0x3", "0x1", "0x2", "0x1"} {
		if all[i].UserAddress != u {
			t.Errorf("position %d: expected %s, got %s", i, u, all[i].UserAddress)
		}
	}
	if all[0].LastUpdated != 9 {
		t.Errorf("expected updated entry in place, got lastUpdated=%d", all[0].LastUpdated)
	}

	byUser, _ := s.ListEntriesByUser(ctx, "0x1")
	if len(byUser) != 2 {
		t.Errorf("expected 2 entries for 0x1, got %d", len(byUser))
	}
	byType, _ := s.ListEntriesByType(ctx, model.ContractGenesis)
	if len(byType) != 1 || byType[0].ContractAddress != "0xd" {
		t.Errorf("expected single genesis entry on 0xd, got %+v", byType)
	}
}

func TestMemoryStore_CreateRuleIfAbsentFirstWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := &model.AccrualRule{Key: "k", RatePerDollarPerDay: decimal.NewFromInt(1)}
	second := &model.AccrualRule{Key: "k", RatePerDollarPerDay: decimal.NewFromInt(7)}

	got1, err := s.CreateRuleIfAbsent(ctx, first)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got2, err := s.CreateRuleIfAbsent(ctx, second)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !got1.RatePerDollarPerDay.Equal(decimal.NewFromInt(1)) || !got2.RatePerDollarPerDay.Equal(decimal.NewFromInt(1)) {
		t.Errorf("first rule should win, got %s and %s", got1.RatePerDollarPerDay, got2.RatePerDollarPerDay)
	}

	if err := s.PutRule(ctx, second); err != nil {
		t.Fatalf("put: %v", err)
	}
	got3, _ := s.GetRule(ctx, "k")
	if !got3.RatePerDollarPerDay.Equal(decimal.NewFromInt(7)) {
		t.Errorf("PutRule should replace, got %s", got3.RatePerDollarPerDay)
	}

	if _, err := s.GetRule(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	rules, _ := s.ListRules(ctx)
	if len(rules) != 1 {
		t.Errorf("expected 1 rule, got %d", len(rules))
	}
}
