// Package model defines the core domain types shared across the marks engine.
// All USD and marks values use shopspring/decimal, never float64.
// Timestamps are chain time in unix seconds.
package model

import (
	"github.com/shopspring/decimal"
)

// ContractType classifies the position source a rule applies to.
type ContractType string

const (
	ContractGenesis                 ContractType = "genesis"
	ContractStabilityPoolCollateral ContractType = "stability_pool_collateral"
	ContractStabilityPoolSail       ContractType = "stability_pool_sail"
	ContractSailTokenHolding        ContractType = "sail_token_holding"
	ContractHaTokenHolding          ContractType = "ha_token_holding"
	ContractUnknown                 ContractType = "unknown"
)

// AccrualRule describes how a deposit converts into marks. Rules are values:
// an update produces a new rule, it never edits one in place.
type AccrualRule struct {
	Key                 string              `json:"key"`
	ContractAddress     string              `json:"contract_address,omitempty"`
	ContractType        ContractType        `json:"contract_type"`
	RatePerDollarPerDay decimal.Decimal     `json:"rate_per_dollar_per_day"`
	BonusMultiplier     decimal.NullDecimal `json:"bonus_multiplier"`
	HasPeriod           bool                `json:"has_period"`
	PeriodStart         *int64              `json:"period_start,omitempty"`
	PeriodEnd           *int64              `json:"period_end,omitempty"`
	ForfeitOnWithdrawal bool                `json:"forfeit_on_withdrawal"`
	ForfeitPercentage   decimal.NullDecimal `json:"forfeit_percentage"`
	CreatedAt           int64               `json:"created_at"`
	UpdatedAt           int64               `json:"updated_at"`
}

// EffectiveForfeitPercentage returns the share of the marks balance lost on
// withdrawal, in percent. An unset percentage means 100.
func (r AccrualRule) EffectiveForfeitPercentage() decimal.Decimal {
	if !r.ForfeitOnWithdrawal {
		return decimal.Zero
	}
	if !r.ForfeitPercentage.Valid {
		return decimal.NewFromInt(100)
	}
	return r.ForfeitPercentage.Decimal
}

// Bonus returns the one-time bonus per USD, zero when unset.
func (r AccrualRule) Bonus() decimal.Decimal {
	if !r.BonusMultiplier.Valid {
		return decimal.Zero
	}
	return r.BonusMultiplier.Decimal
}

// LedgerEntry is the marks accumulator for one (contract, user) pair.
// Entries are created lazily and never deleted.
type LedgerEntry struct {
	ContractAddress     string          `json:"contract_address"`
	UserAddress         string          `json:"user_address"`
	ContractType        ContractType    `json:"contract_type"`
	CurrentDepositUsd   decimal.Decimal `json:"current_deposit_usd"`
	CurrentMarks        decimal.Decimal `json:"current_marks"`
	MarksPerDay         decimal.Decimal `json:"marks_per_day"`
	TotalMarksEarned    decimal.Decimal `json:"total_marks_earned"`
	TotalMarksForfeited decimal.Decimal `json:"total_marks_forfeited"`
	TotalDepositedUsd   decimal.Decimal `json:"total_deposited_usd"`
	TotalWithdrawnUsd   decimal.Decimal `json:"total_withdrawn_usd"`
	PeriodStart         *int64          `json:"period_start,omitempty"`
	PeriodEnd           *int64          `json:"period_end,omitempty"`
	PeriodEnded         bool            `json:"period_ended"`
	CreatedAt           int64           `json:"created_at"`
	LastUpdated         int64           `json:"last_updated"`
}

// WithEntryPeriod returns a copy of rule whose period is the one captured on
// the entry at creation. Later rule edits never move an existing entry's
// window; a bound the entry never captured (an open genesis end) is taken
// from the rule.
func (e LedgerEntry) WithEntryPeriod(rule AccrualRule) AccrualRule {
	if !rule.HasPeriod {
		return rule
	}
	if e.PeriodStart != nil {
		rule.PeriodStart = e.PeriodStart
	}
	if e.PeriodEnd != nil {
		rule.PeriodEnd = e.PeriodEnd
	}
	return rule
}

// EventKind is the direction of a ledger event.
type EventKind string

const (
	EventDeposit        EventKind = "deposit"
	EventWithdrawal     EventKind = "withdrawal"
	EventBalanceChanged EventKind = "balance_changed"
)

// Event is one record of the inbound stream. UsdAmount is a deposit or
// withdrawal delta, or the new balance for BalanceChanged. An invalid
// UsdAmount means upstream pricing has not resolved yet.
type Event struct {
	ID              string              `json:"id"`
	ContractAddress string              `json:"contract_address"`
	ContractType    ContractType        `json:"contract_type"`
	UserAddress     string              `json:"user_address"`
	Kind            EventKind           `json:"kind"`
	UsdAmount       decimal.NullDecimal `json:"usd_amount"`
	Timestamp       int64               `json:"timestamp"`
}

// PoolType distinguishes stability pool flavours on the read side.
type PoolType string

const (
	PoolCollateral PoolType = "collateral"
	PoolAnchor     PoolType = "anchor"
	PoolSail       PoolType = "sail"
	PoolLeveraged  PoolType = "leveraged"
)

// PositionSnapshot is a read-side view of one position, fetched fresh for
// each aggregation. Rule carries the accrual terms used to project it.
type PositionSnapshot struct {
	UserAddress     string          `json:"user_address"`
	ContractAddress string          `json:"contract_address"`
	BalanceUsd      decimal.Decimal `json:"balance_usd"`
	CurrentMarks    decimal.Decimal `json:"current_marks"`
	MarksPerDay     decimal.Decimal `json:"marks_per_day"`
	LastUpdated     int64           `json:"last_updated"`
	PeriodStart     *int64          `json:"period_start,omitempty"`
	PeriodEnd       *int64          `json:"period_end,omitempty"`
	GenesisEnded    bool            `json:"genesis_ended,omitempty"`
	PoolType        PoolType        `json:"pool_type,omitempty"`
	Rule            AccrualRule     `json:"rule"`
}

// Entry rebuilds the ledger view of the snapshot for estimation.
func (p PositionSnapshot) Entry() LedgerEntry {
	return LedgerEntry{
		ContractAddress:   p.ContractAddress,
		UserAddress:       p.UserAddress,
		ContractType:      p.Rule.ContractType,
		CurrentDepositUsd: p.BalanceUsd,
		CurrentMarks:      p.CurrentMarks,
		MarksPerDay:       p.MarksPerDay,
		PeriodStart:       p.PeriodStart,
		PeriodEnd:         p.PeriodEnd,
		PeriodEnded:       p.GenesisEnded,
		LastUpdated:       p.LastUpdated,
	}
}

// Sources groups position snapshots by category. Nil slices are empty.
type Sources struct {
	Genesis      []PositionSnapshot `json:"genesis"`
	HaBalances   []PositionSnapshot `json:"ha_balances"`
	PoolDeposits []PositionSnapshot `json:"pool_deposits"`
	SailBalances []PositionSnapshot `json:"sail_balances"`
}

// LeaderboardRow is one ranked user in an aggregation result.
type LeaderboardRow struct {
	Rank         int             `json:"rank"`
	UserAddress  string          `json:"user_address"`
	TotalMarks   decimal.Decimal `json:"total_marks"`
	GenesisMarks decimal.Decimal `json:"genesis_marks"`
	AnchorMarks  decimal.Decimal `json:"anchor_marks"`
	SailMarks    decimal.Decimal `json:"sail_marks"`
	MarksPerDay  decimal.Decimal `json:"marks_per_day"`
}
