// Package leaderboard aggregates marks across the four position sources
// (genesis deposits, ha token balances, stability pool deposits and sail
// token balances) into one ranked row per user.
package leaderboard

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/harbor/marks-engine/internal/accrual"
	"github.com/harbor/marks-engine/internal/contract"
	"github.com/harbor/marks-engine/internal/model"
)

var ErrInvalidSort = errors.New("leaderboard: invalid sort")

// SortKey selects the column rows are ranked by.
type SortKey string

const (
	SortTotal   SortKey = "total"
	SortGenesis SortKey = "genesis"
	SortAnchor  SortKey = "anchor"
	SortSail    SortKey = "sail"
	SortPerDay  SortKey = "perDay"
)

// Direction is the sort order.
type Direction string

const (
	Desc Direction = "desc"
	Asc  Direction = "asc"
)

// ParseSort parses sort_by and direction query values. Empty values mean
// total, descending.
func ParseSort(sortBy, direction string) (SortKey, Direction, error) {
	var key SortKey
	switch strings.ToLower(strings.TrimSpace(sortBy)) {
	case "", "total", "totalmarks", "total_marks":
		key = SortTotal
	case "genesis", "genesismarks", "genesis_marks":
		key = SortGenesis
	case "anchor", "anchormarks", "anchor_marks":
		key = SortAnchor
	case "sail", "sailmarks", "sail_marks":
		key = SortSail
	case "perday", "per_day", "marksperday", "marks_per_day":
		key = SortPerDay
	default:
		return "", "", fmt.Errorf("%w: sort_by %q", ErrInvalidSort, sortBy)
	}

	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "", "desc":
		return key, Desc, nil
	case "asc":
		return key, Asc, nil
	default:
		return "", "", fmt.Errorf("%w: direction %q", ErrInvalidSort, direction)
	}
}

type bucket int

const (
	bucketGenesis bucket = iota
	bucketAnchor
	bucketSail
)

// Build ranks users by their projected marks at asOf. Addresses in known
// (protocol-owned contracts) are excluded, and addresses that differ only
// by case are one user. Ties keep first-seen order.
//
// Each snapshot is projected with its Rule. Snapshots whose Rule has no Key
// fall back to accruing MarksPerDay linearly since LastUpdated.
func Build(src model.Sources, known contract.AddressSet, sortBy SortKey, dir Direction, asOf int64) []model.LeaderboardRow {
	acc := &accumulator{index: make(map[string]int)}

	for _, p := range src.Genesis {
		acc.add(p, bucketGenesis, known, asOf)
	}
	for _, p := range src.HaBalances {
		acc.add(p, bucketAnchor, known, asOf)
	}
	for _, p := range src.PoolDeposits {
		acc.add(p, poolBucket(p.PoolType), known, asOf)
	}
	for _, p := range src.SailBalances {
		acc.add(p, bucketSail, known, asOf)
	}

	rows := acc.rows
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := column(rows[i], sortBy), column(rows[j], sortBy)
		if dir == Asc {
			return a.LessThan(b)
		}
		return a.GreaterThan(b)
	})
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows
}

// poolBucket routes a stability pool deposit. Unrecognized pool types count
// as anchor.
func poolBucket(t model.PoolType) bucket {
	switch t {
	case model.PoolSail, model.PoolLeveraged:
		return bucketSail
	default:
		return bucketAnchor
	}
}

type accumulator struct {
	index map[string]int
	rows  []model.LeaderboardRow
}

func (a *accumulator) add(p model.PositionSnapshot, b bucket, known contract.AddressSet, asOf int64) {
	user := contract.CanonicalAddress(p.UserAddress)
	if user == "" || known.Contains(user) {
		return
	}

	marks, perDay := project(p, asOf)
	if marks.IsZero() && perDay.IsZero() {
		return
	}

	i, ok := a.index[user]
	if !ok {
		i = len(a.rows)
		a.index[user] = i
		a.rows = append(a.rows, model.LeaderboardRow{
			UserAddress:  user,
			TotalMarks:   decimal.Zero,
			GenesisMarks: decimal.Zero,
			AnchorMarks:  decimal.Zero,
			SailMarks:    decimal.Zero,
			MarksPerDay:  decimal.Zero,
		})
	}
	row := &a.rows[i]

	row.TotalMarks = row.TotalMarks.Add(marks)
	row.MarksPerDay = row.MarksPerDay.Add(perDay)
	switch b {
	case bucketGenesis:
		row.GenesisMarks = row.GenesisMarks.Add(marks)
	case bucketAnchor:
		row.AnchorMarks = row.AnchorMarks.Add(marks)
	case bucketSail:
		row.SailMarks = row.SailMarks.Add(marks)
	}
}

// project returns the snapshot's marks and daily rate at asOf. A snapshot
// without a resolved rule is projected linearly from its own MarksPerDay,
// up to PeriodEnd when one is set.
func project(p model.PositionSnapshot, asOf int64) (decimal.Decimal, decimal.Decimal) {
	entry := p.Entry()
	if p.Rule.Key != "" {
		return accrual.Estimate(entry, p.Rule, asOf), accrual.ActiveMarksPerDay(entry, p.Rule, asOf)
	}
	if p.GenesisEnded {
		return p.CurrentMarks, decimal.Zero
	}

	perDay := p.MarksPerDay
	end := asOf
	if p.PeriodEnd != nil && end >= *p.PeriodEnd {
		end = *p.PeriodEnd
		perDay = decimal.Zero
	}
	marks := p.CurrentMarks
	if elapsed := end - p.LastUpdated; elapsed > 0 {
		marks = marks.Add(p.MarksPerDay.Mul(decimal.NewFromInt(elapsed)).
			DivRound(decimal.NewFromInt(accrual.SecondsPerDay), accrual.Scale))
	}
	return marks, perDay
}

func column(r model.LeaderboardRow, k SortKey) decimal.Decimal {
	switch k {
	case SortGenesis:
		return r.GenesisMarks
	case SortAnchor:
		return r.AnchorMarks
	case SortSail:
		return r.SailMarks
	case SortPerDay:
		return r.MarksPerDay
	default:
		return r.TotalMarks
	}
}
