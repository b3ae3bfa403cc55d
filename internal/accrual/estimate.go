package accrual

import (
	"github.com/shopspring/decimal"

	"github.com/harbor/marks-engine/internal/model"
)

// Estimate projects the entry's marks forward to asOf without touching the
// entry. Period bounds the entry captured at creation win over the rule's
// current window.
//
// Estimate(e, r, e.LastUpdated) returns e.CurrentMarks unchanged.
func Estimate(entry model.LedgerEntry, rule model.AccrualRule, asOf int64) decimal.Decimal {
	rule = entry.WithEntryPeriod(rule)
	if PeriodClosed(entry, rule, entry.LastUpdated) {
		return entry.CurrentMarks
	}

	delta := Accrue(entry.CurrentDepositUsd, rule, entry.LastUpdated, asOf)
	if delta.IsZero() {
		return entry.CurrentMarks
	}
	return entry.CurrentMarks.Add(delta)
}

// ActiveMarksPerDay is the entry's daily rate at asOf under the current
// rule: zero once its period has closed or before it opens. The rate cached
// on the entry is not used, it may predate a rule update.
func ActiveMarksPerDay(entry model.LedgerEntry, rule model.AccrualRule, asOf int64) decimal.Decimal {
	rule = entry.WithEntryPeriod(rule)
	if PeriodClosed(entry, rule, asOf) {
		return decimal.Zero
	}
	if rule.HasPeriod && rule.PeriodStart != nil && asOf < *rule.PeriodStart {
		return decimal.Zero
	}
	return MarksPerDay(entry.CurrentDepositUsd, rule)
}
