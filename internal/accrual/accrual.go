// Package accrual implements the time-weighted marks formula shared by the
// event processor (write path) and the real-time estimator (read path).
//
// Both paths call Accrue with the same inputs, so a projection taken at an
// entry's lastUpdated instant matches the stored balance exactly.
//
// All arithmetic uses shopspring/decimal, never float64.
package accrual

import (
	"github.com/shopspring/decimal"

	"github.com/harbor/marks-engine/internal/model"
)

const (
	// SecondsPerDay converts elapsed chain seconds into accrual days.
	SecondsPerDay int64 = 86400

	// Scale is the number of fractional digits kept when dividing by a day.
	// 18 matches the fixed-point precision of on-chain USD amounts.
	Scale int32 = 18
)

var (
	secondsPerDay = decimal.NewFromInt(SecondsPerDay)
	hundred       = decimal.NewFromInt(100)
)

// Accrue returns the marks earned by principalUsd under rule between from and
// to (unix seconds).
//
// Rules without a period accrue linearly:
//
//	marks = principal * rate * (to - from) / 86400
//
// Rules with a period only accrue inside [periodStart, periodEnd]. The call
// that crosses periodEnd also pays principal * bonusMultiplier once. Callers
// guarantee a crossing is never accrued twice by advancing lastUpdated to `to`.
//
// A clock regression (to <= from) accrues nothing.
func Accrue(principalUsd decimal.Decimal, rule model.AccrualRule, from, to int64) decimal.Decimal {
	if to <= from {
		return decimal.Zero
	}
	if !rule.HasPeriod {
		return linear(principalUsd, rule.RatePerDollarPerDay, to-from)
	}

	if rule.PeriodEnd != nil && from >= *rule.PeriodEnd {
		// Closed before this interval began; the bonus went out at the crossing.
		return decimal.Zero
	}

	effectiveFrom := from
	if rule.PeriodStart != nil && *rule.PeriodStart > effectiveFrom {
		effectiveFrom = *rule.PeriodStart
	}
	effectiveTo := to
	if rule.PeriodEnd != nil && *rule.PeriodEnd < effectiveTo {
		effectiveTo = *rule.PeriodEnd
	}

	var delta decimal.Decimal
	if effectiveTo > effectiveFrom {
		delta = linear(principalUsd, rule.RatePerDollarPerDay, effectiveTo-effectiveFrom)
	}

	if rule.PeriodEnd != nil && to >= *rule.PeriodEnd {
		delta = delta.Add(principalUsd.Mul(rule.Bonus()))
	}
	return delta
}

// linear computes principal * rate * seconds / 86400. Multiplication happens
// first so whole-day intervals stay exact.
func linear(principalUsd, rate decimal.Decimal, seconds int64) decimal.Decimal {
	if principalUsd.IsZero() || rate.IsZero() {
		return decimal.Zero
	}
	return principalUsd.
		Mul(rate).
		Mul(decimal.NewFromInt(seconds)).
		DivRound(secondsPerDay, Scale)
}

// MarksPerDay is the cached daily rate stored on an entry.
func MarksPerDay(principalUsd decimal.Decimal, rule model.AccrualRule) decimal.Decimal {
	return principalUsd.Mul(rule.RatePerDollarPerDay)
}

// Forfeit returns the marks lost when a withdrawal hits an entry holding
// marks. The percentage applies to the whole balance, not to the withdrawn
// share of principal.
func Forfeit(marks decimal.Decimal, rule model.AccrualRule) decimal.Decimal {
	pct := rule.EffectiveForfeitPercentage()
	if pct.IsZero() || !marks.IsPositive() {
		return decimal.Zero
	}
	return pct.Mul(marks).DivRound(hundred, Scale)
}

// PeriodClosed reports whether the entry's period has closed at asOf.
// Called with asOf = entry.LastUpdated it decides whether the entry still
// accrues at all; the processor and Estimate both gate on it.
func PeriodClosed(entry model.LedgerEntry, rule model.AccrualRule, asOf int64) bool {
	rule = entry.WithEntryPeriod(rule)
	if !rule.HasPeriod {
		return false
	}
	if entry.PeriodEnded {
		return true
	}
	return rule.PeriodEnd != nil && asOf >= *rule.PeriodEnd
}
